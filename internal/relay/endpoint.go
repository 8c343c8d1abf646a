package relay

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultBrokerPort is the port a broker listens on when none is given.
const DefaultBrokerPort = "10000"

// ParseBrokerURL normalizes a broker address to a ws:// or wss:// URL.
//
// Accepted input formats:
//   - Bare host: "broker.example.com" → "ws://broker.example.com:10000"
//   - host:port: "127.0.0.1:9000" → "ws://127.0.0.1:9000"
//   - WebSocket URL: "wss://broker.example.com/relay" → used as-is
//   - HTTP URL: "https://broker.example.com" → "wss://broker.example.com"
func ParseBrokerURL(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty broker address")
	}

	if !strings.Contains(input, "://") {
		if _, _, err := net.SplitHostPort(input); err != nil {
			input = net.JoinHostPort(strings.Trim(input, "[]"), DefaultBrokerPort)
		}
		input = "ws://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse broker address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("broker address %q has no host", input)
	}
	return u.String(), nil
}
