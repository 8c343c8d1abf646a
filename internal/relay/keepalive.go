package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultPingInterval keeps idle sessions alive through proxies that
	// drop quiet WebSockets.
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// KeepAlive pings ws every interval until ctx is done. A ping without a
// pong within timeout (0 = DefaultPingTimeout) calls cancel so the session
// owning ws tears down. The pong is only observed while another goroutine
// is reading from ws.
func KeepAlive(ctx context.Context, ws *websocket.Conn, interval, timeout time.Duration, logger *slog.Logger, cancel context.CancelFunc) {
	if interval <= 0 {
		return
	}
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("ping failed, closing session", "error", err)
				}
				cancel()
				return
			}
		}
	}
}
