// Package config loads the JSON configuration files of the broker
// (server_config.json) and the peer (client_config.json).
//
// A file is used only if it parses and carries every required key;
// otherwise the defaults apply. Either way the effective configuration is
// written back, so a first run leaves an editable file behind.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServerFile = "server_config.json"
	ClientFile = "client_config.json"
)

// ErrIncomplete reports a config file that lacks required keys.
var ErrIncomplete = errors.New("config file is incomplete")

// Seconds is a duration written as a number of seconds.
type Seconds float64

func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Server is the broker configuration.
type Server struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Origins      []string `json:"origins"`
	Compression  string   `json:"compression"`
	OpenTimeout  Seconds  `json:"open_timeout"`
	PingInterval Seconds  `json:"ping_interval"`
	PingTimeout  Seconds  `json:"ping_timeout"`
	CloseTimeout Seconds  `json:"close_timeout"`
	MaxSize      int64    `json:"max_size"`
	MaxQueue     int      `json:"max_queue"`
	WriteLimit   int      `json:"write_limit"`

	// Optional keys. Files written before these existed stay valid.
	Store            string   `json:"store"`
	Secret           string   `json:"secret"`
	Skew             int      `json:"skew"`
	HandshakeTimeout Seconds  `json:"handshake_timeout"`
	MaxSessions      int      `json:"max_sessions"`
	AllowList        []string `json:"allow_list"`
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DefaultServer returns the broker defaults.
func DefaultServer() Server {
	return Server{
		Host:             "127.0.0.1",
		Port:             10000,
		Compression:      "deflate",
		OpenTimeout:      10,
		PingInterval:     20,
		PingTimeout:      20,
		CloseTimeout:     10,
		MaxSize:          1 << 20,
		MaxQueue:         16,
		WriteLimit:       1 << 15,
		Store:            "mongodb://127.0.0.1:27017/FuseLink_Cache",
		Skew:             1,
		HandshakeTimeout: 10,
	}
}

var serverRequired = []string{
	"host", "port", "origins", "compression", "open_timeout", "ping_interval",
	"ping_timeout", "close_timeout", "max_size", "max_queue", "write_limit",
}

// Client is the peer configuration.
type Client struct {
	URI               string            `json:"uri"`
	Origin            string            `json:"origin"`
	Compression       string            `json:"compression"`
	AdditionalHeaders map[string]string `json:"additional_headers"`
	UserAgentHeader   string            `json:"user_agent_header"`
	Proxy             bool              `json:"proxy"`
	OpenTimeout       Seconds           `json:"open_timeout"`
	PingInterval      Seconds           `json:"ping_interval"`
	PingTimeout       Seconds           `json:"ping_timeout"`
	CloseTimeout      Seconds           `json:"close_timeout"`
	MaxSize           int64             `json:"max_size"`
	MaxQueue          int               `json:"max_queue"`
	WriteLimit        int               `json:"write_limit"`

	Store        string  `json:"store"`
	Secret       string  `json:"secret"`
	Type         string  `json:"type"`
	Debug        bool    `json:"debug"`
	Reconnect    bool    `json:"reconnect"`
	ReplyTimeout Seconds `json:"reply_timeout"`
	EntraScope   string  `json:"entra_scope"`
}

// DefaultClient returns the peer defaults.
func DefaultClient() Client {
	return Client{
		URI:             "ws://127.0.0.1:10000",
		Compression:     "deflate",
		UserAgentHeader: "USER_AGENT",
		Proxy:           true,
		OpenTimeout:     10,
		PingInterval:    20,
		PingTimeout:     20,
		CloseTimeout:    10,
		MaxSize:         1 << 20,
		MaxQueue:        16,
		WriteLimit:      1 << 15,
		Store:           "mongodb://127.0.0.1:27017/FuseLink_Cache",
		ReplyTimeout:    10,
	}
}

var clientRequired = []string{
	"uri", "origin", "compression", "additional_headers", "user_agent_header",
	"proxy", "open_timeout", "ping_interval", "ping_timeout", "close_timeout",
	"max_size", "max_queue", "write_limit",
}

// LoadServer reads the broker config at path and rewrites it.
func LoadServer(path string, logger *slog.Logger) (Server, error) {
	return load(path, DefaultServer(), serverRequired, logger)
}

// LoadClient reads the peer config at path and rewrites it.
func LoadClient(path string, logger *slog.Logger) (Client, error) {
	return load(path, DefaultClient(), clientRequired, logger)
}

func load[T any](path string, defaults T, required []string, logger *slog.Logger) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := defaults
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("config file not found, using defaults", "path", path)
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(data, &cfg, required); err != nil {
			logger.Warn("config file ignored, using defaults; fix or delete it", "path", path, "error", err)
			cfg = defaults
		}
	}
	if err := write(path, cfg); err != nil {
		return cfg, err
	}
	logger.Debug("config written", "path", path)
	return cfg, nil
}

func decode(data []byte, cfg any, required []string) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if keys == nil {
		return fmt.Errorf("parse config: not an object")
	}
	var missing []string
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func write(path string, cfg any) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	// The file may hold the shared secret.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Headers returns the extra handshake headers, user agent and origin.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	for k, v := range c.AdditionalHeaders {
		h.Set(k, v)
	}
	if c.UserAgentHeader != "" {
		h.Set("User-Agent", c.UserAgentHeader)
	}
	if c.Origin != "" {
		h.Set("Origin", c.Origin)
	}
	return h
}
