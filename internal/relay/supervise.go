package relay

import (
	"context"
	"log/slog"
	"time"
)

const (
	reconnectMin    = 1 * time.Second
	reconnectMax    = 30 * time.Second
	reconnectFactor = 2
)

// SuperviseConfig holds parameters for a reconnecting connection.
type SuperviseConfig struct {
	// Run holds one connection open until it ends. connected reports
	// whether the broker accepted it before it ended.
	Run    func(ctx context.Context) (connected bool, err error)
	Logger *slog.Logger
	// OnDisconnect is called after a connected Run returns. Optional.
	OnDisconnect func()
	// OnRetry is called before each reconnect delay. Optional.
	OnRetry func()
}

// Supervise calls cfg.Run until ctx is cancelled, backing off 1s→2s→4s up
// to 30s between attempts. The delay resets once a connection has stayed
// up longer than the cap.
func Supervise(ctx context.Context, cfg SuperviseConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	delay := reconnectMin
	for {
		start := time.Now()
		connected, err := cfg.Run(ctx)
		if connected && cfg.OnDisconnect != nil {
			cfg.OnDisconnect()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Reset backoff if the connection was up for a meaningful duration.
		if time.Since(start) > reconnectMax {
			delay = reconnectMin
		}
		cfg.Logger.Warn("broker connection lost, reconnecting", "error", err, "delay", delay)
		if cfg.OnRetry != nil {
			cfg.OnRetry()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*reconnectFactor, reconnectMax)
	}
}
