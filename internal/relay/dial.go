package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout = 10 * time.Second
	dialRetryBase      = 1 * time.Second
	dialRetryMax       = 30 * time.Second
)

// DialConfig describes a peer's connection to a broker.
type DialConfig struct {
	URL           string
	TokenProvider TokenProvider // optional; adds an Authorization header
	Header        http.Header
	Compression   string // "deflate" enables permessage-deflate
	ReadLimit     int64  // 0 keeps the library default
	Timeout       time.Duration
	// NoProxy ignores HTTP_PROXY and friends.
	NoProxy bool
}

// CompressionMode maps a configured compression name to the WebSocket mode.
func CompressionMode(name string) websocket.CompressionMode {
	if name == "deflate" {
		return websocket.CompressionNoContextTakeover
	}
	return websocket.CompressionDisabled
}

// Dial opens one WebSocket connection to the broker.
func Dial(ctx context.Context, cfg DialConfig) (*websocket.Conn, error) {
	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if cfg.TokenProvider != nil {
		token, err := cfg.TokenProvider.GetToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := &websocket.DialOptions{
		HTTPHeader:      header,
		CompressionMode: CompressionMode(cfg.Compression),
	}
	if cfg.NoProxy {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{Proxy: nil}}
	}
	ws, _, err := websocket.Dial(dialCtx, cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", sanitizeErr(err))
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	return ws, nil
}

// DialWithTimeout dials the broker, retrying with exponential backoff (1s→2s→4s,
// capped at 30s) until dialTimeout is exhausted or the context is cancelled.
// dialTimeout=0 means a single attempt with no retries. onRetry is called
// before each retry attempt; it may be nil.
func DialWithTimeout(ctx context.Context, cfg DialConfig, dialTimeout time.Duration, onRetry func(), logger *slog.Logger) (*websocket.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("dialing broker", "url", redactURL(cfg.URL))

	// Zero timeout: single attempt, no retries.
	if dialTimeout == 0 {
		ws, err := Dial(ctx, cfg)
		if err == nil {
			logger.Debug("broker connected")
		}
		return ws, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	delay := dialRetryBase
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying broker dial", "attempt", attempt, "delay", delay)
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-timeoutCtx.Done():
				return nil, lastErr // budget exhausted before retry
			case <-time.After(delay):
			}
			delay = min(delay*2, dialRetryMax)
		}
		ws, err := Dial(timeoutCtx, cfg)
		if err == nil {
			logger.Debug("broker connected", "attempts", attempt+1)
			return ws, nil
		}
		lastErr = err
		logger.Debug("broker dial attempt failed", "attempt", attempt+1, "error", err)
		if timeoutCtx.Err() != nil {
			break // budget exhausted during dial
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, timeoutCtx.Err()
}
