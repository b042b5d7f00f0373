package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Settings holds the user-tunable coordinator settings. The command
// scheduler and drift corrector read them at call time, so edits made while
// a group is active take effect on the next decision.
type Settings struct {
	EnableWebRTC         bool   `koanf:"enable_webrtc"`
	EnableSyncCorrection bool   `koanf:"enable_sync_correction"`
	UseSpeedToSync       bool   `koanf:"use_speed_to_sync"`
	UseSkipToSync        bool   `koanf:"use_skip_to_sync"`
	MinDelaySpeedToSync  int64  `koanf:"min_delay_speed_to_sync_ms"`
	MaxDelaySpeedToSync  int64  `koanf:"max_delay_speed_to_sync_ms"`
	SpeedToSyncDuration  int64  `koanf:"speed_to_sync_duration_ms"`
	MinDelaySkipToSync   int64  `koanf:"min_delay_skip_to_sync_ms"`
	ExtraTimeOffset      int64  `koanf:"extra_time_offset_ms"`
	TimeSyncDevice       string `koanf:"time_sync_device"`
	P2PTracker           string `koanf:"p2p_tracker"`
}

// DefaultSettings returns the coordinator defaults.
func DefaultSettings() Settings {
	return Settings{
		EnableWebRTC:         false,
		EnableSyncCorrection: true,
		UseSpeedToSync:       true,
		UseSkipToSync:        true,
		MinDelaySpeedToSync:  60,
		MaxDelaySpeedToSync:  3000,
		SpeedToSyncDuration:  1000,
		MinDelaySkipToSync:   400,
		ExtraTimeOffset:      0,
		TimeSyncDevice:       "server",
		P2PTracker:           "",
	}
}

// LoadSettings merges defaults, an optional YAML settings file, and
// GROUPCAST_-prefixed environment variables, in that precedence order.
// A missing file is not an error; a malformed one is.
func LoadSettings(path string) (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		return Settings{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Settings{}, fmt.Errorf("load settings file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("GROUPCAST_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "GROUPCAST_"))
	}), nil); err != nil {
		return Settings{}, fmt.Errorf("load env: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the sync strategies cannot operate on.
func (s Settings) Validate() error {
	if s.MinDelaySpeedToSync <= 0 || s.MaxDelaySpeedToSync <= 0 {
		return fmt.Errorf("speed-to-sync delays must be positive, got min=%d max=%d", s.MinDelaySpeedToSync, s.MaxDelaySpeedToSync)
	}
	if s.MinDelaySpeedToSync >= s.MaxDelaySpeedToSync {
		return fmt.Errorf("min_delay_speed_to_sync_ms (%d) must be below max_delay_speed_to_sync_ms (%d)", s.MinDelaySpeedToSync, s.MaxDelaySpeedToSync)
	}
	if s.SpeedToSyncDuration <= 0 {
		return fmt.Errorf("speed_to_sync_duration_ms must be positive, got %d", s.SpeedToSyncDuration)
	}
	if s.MinDelaySkipToSync <= 0 {
		return fmt.Errorf("min_delay_skip_to_sync_ms must be positive, got %d", s.MinDelaySkipToSync)
	}
	if s.TimeSyncDevice == "" {
		return fmt.Errorf("time_sync_device must not be empty")
	}
	return nil
}

// Store is the live settings holder shared across components.
type Store struct {
	mu sync.RWMutex
	s  Settings
}

// NewStore creates a store seeded with s.
func NewStore(s Settings) *Store {
	return &Store{s: s}
}

// Current returns a snapshot of the settings.
func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update replaces the settings after validation.
func (st *Store) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	st.s = s
	st.mu.Unlock()
	return nil
}
