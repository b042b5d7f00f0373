package api

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildWebSocketURL derives the /ws endpoint from the server's HTTP URL,
// carrying client identity as query parameters.
func BuildWebSocketURL(serverURL, clientID, name string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	scheme := strings.Replace(u.Scheme, "http", "ws", 1)
	if scheme == "ws" && u.Scheme == "https" {
		scheme = "wss"
	}

	query := fmt.Sprintf("client_id=%s", url.QueryEscape(clientID))
	if name != "" {
		query = fmt.Sprintf("%s&name=%s", query, url.QueryEscape(name))
	}

	wsURL := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     "/ws",
		RawQuery: query,
	}

	return wsURL.String(), nil
}
