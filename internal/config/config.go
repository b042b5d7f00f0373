package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	Addr     string
	LogLevel string
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	ServerURL    string
	LogLevel     string
	ClientID     string
	GroupID      string
	DisplayName  string
	SettingsPath string
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: addr=":8080", logLevel="info"
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}

	// Read from environment first
	if addr := os.Getenv("GROUPCAST_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("GROUPCAST_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: serverURL="http://localhost:8080", logLevel="info", clientID=random
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL:    "http://localhost:8080",
		LogLevel:     "info",
		ClientID:     generateClientID(),
		SettingsPath: defaultSettingsPath(),
	}

	// Read from environment first
	if serverURL := os.Getenv("GROUPCAST_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("GROUPCAST_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if clientID := os.Getenv("GROUPCAST_CLIENT_ID"); clientID != "" {
		cfg.ClientID = clientID
	}
	if groupID := os.Getenv("GROUPCAST_GROUP"); groupID != "" {
		cfg.GroupID = groupID
	}
	if settings := os.Getenv("GROUPCAST_SETTINGS"); settings != "" {
		cfg.SettingsPath = settings
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "coordination server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "client identifier")
	fs.StringVar(&cfg.GroupID, "group", cfg.GroupID, "group to join on startup")
	fs.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to other group members")
	fs.StringVar(&cfg.SettingsPath, "settings", cfg.SettingsPath, "path to the YAML settings file")
	fs.Parse(args)

	return cfg
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir + "/groupcast/settings.yaml"
}

// generateClientID generates a random 12-character hex client identifier.
func generateClientID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// Fallback if rand fails (should be extremely rare)
		return "000000000000"
	}
	return hex.EncodeToString(b)
}
