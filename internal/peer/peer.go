// Package peer implements the client side of the relay: it verifies itself
// with the broker, forwards requests from its local outbound queue and
// records everything the broker sends back in its local store.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/metrics"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/relay"
)

const (
	DefaultReplyTimeout = 10 * time.Second
	DefaultMaxQueue     = 16
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrRejected is returned when the broker does not verify the peer.
var ErrRejected = errors.New("handshake rejected")

// Config holds the parameters of a peer session.
type Config struct {
	// Local is the peer's own queue, inbound log and device table.
	Local mailbox.Local

	Dial relay.DialConfig
	// DialTimeout is the retry budget for the initial dial (0 = one attempt).
	DialTimeout time.Duration

	// Secret switches to shared-secret mode: the peer proves knowledge of
	// it by code alone. Empty means a fresh random secret per session.
	Secret string
	// Type is announced in the handshake; empty picks "client_<random>".
	Type string
	// Debug asks the broker to log the code it computed.
	Debug bool

	ReplyTimeout time.Duration
	// MaxQueue bounds frames read from the broker but not yet handled.
	MaxQueue     int
	PollInterval time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Run connects once and forwards requests until the connection ends or ctx
// is cancelled. A broker that closes normally yields nil.
func Run(ctx context.Context, cfg Config) error {
	_, err := run(ctx, cfg)
	return err
}

// RunSupervised reconnects after every disconnect, backing off between
// attempts, until ctx is cancelled.
func RunSupervised(ctx context.Context, cfg Config) error {
	cfg.setDefaults()
	return relay.Supervise(ctx, relay.SuperviseConfig{
		Run:    func(ctx context.Context) (bool, error) { return run(ctx, cfg) },
		Logger: cfg.Logger,
		OnRetry: func() {
			cfg.Metrics.IncrDialRetries(metrics.RolePeer)
		},
	})
}

func run(ctx context.Context, cfg Config) (connected bool, err error) {
	if cfg.Local == nil {
		return false, errors.New("peer needs a local store")
	}
	cfg.setDefaults()

	ws, err := cfg.Metrics.InstrumentedDial(ctx, cfg.Dial, metrics.RolePeer, cfg.DialTimeout, cfg.Logger)
	if err != nil {
		return false, err
	}
	defer func() { _ = ws.CloseNow() }()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(cfg, ws)
	go s.readLoop(ctx)

	if err := s.handshake(ctx); err != nil {
		return false, err
	}
	s.logger.Info("verified by broker", "type", s.base.Type())

	cfg.Metrics.SetBrokerConnected(true)
	defer cfg.Metrics.SetBrokerConnected(false)
	start := time.Now()
	tracker := cfg.Metrics.SessionOpened(metrics.RolePeer)

	go relay.KeepAlive(ctx, ws, cfg.PingInterval, cfg.PingTimeout, s.logger, cancel)

	err = relay.IgnoreNormalClose(s.forward(ctx))
	if parent.Err() != nil {
		err = nil
	}
	tracker.Done(time.Since(start).Seconds(), err)
	if err != nil {
		forwardError(cfg.Metrics, err)
		s.logger.Warn("disconnected from broker", "duration", time.Since(start), "error", err)
		return true, err
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("disconnected from broker", "duration", time.Since(start))
	return true, nil
}

// forwardError labels a forward-loop failure for metrics.
func forwardError(m *metrics.Metrics, err error) {
	switch {
	case errors.Is(err, protocol.ErrShortReply):
		m.SessionError(metrics.RolePeer, metrics.ReasonShortReply)
	case errors.Is(err, errStore):
		m.SessionError(metrics.RolePeer, metrics.ReasonStoreError)
	default:
		m.SessionError(metrics.RolePeer, metrics.ReasonBrokerFailed)
	}
}

var errStore = errors.New("local store")

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errStore, err)
}
