// Package metrics provides Prometheus metrics for fuselink.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/philsphicas/fuselink/internal/relay"
)

const namespace = "fuselink"

// Roles.
const (
	RoleBroker = "broker"
	RolePeer   = "peer"
)

// Session error reasons.
const (
	ReasonDialFailed        = "dial_failed"
	ReasonDialTimeout       = "dial_timeout"
	ReasonBrokerFailed      = "broker_failed"
	ReasonHandshakeTimeout  = "handshake_timeout"
	ReasonHandshakeRejected = "handshake_rejected"
	ReasonDecodeError       = "decode_error"
	ReasonStoreError        = "store_error"
	ReasonSessionLimit      = "session_limit"
	ReasonAllowlistRejected = "allowlist_rejected"
	ReasonShortReply        = "short_reply"
)

// Message directions and outcomes.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusError     = "error"
	StatusDelivered = "delivered"
	StatusListed    = "listed"
)

// Metrics holds all Prometheus metrics for fuselink.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	sessionErrors    *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	sessionDuration  *prometheus.HistogramVec
	messagesTotal    *prometheus.CounterVec
	brokerUp         prometheus.Gauge
	dialDuration     *prometheus.HistogramVec
	dialRetriesTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that completed the handshake and entered relaying.",
		}, []string{"role", "status"}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of session errors, by reason.",
		}, []string{"role", "reason"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying.",
		}, []string{"role"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total relay frames handled, by direction and outcome.",
		}, []string{"role", "direction", "status"}),

		brokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "Whether the peer holds a verified broker session (1) or not (0).",
		}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Total time spent dialing the broker, including retry backoff intervals, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),

		dialRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_retries_total",
			Help:      "Total number of broker dial retry attempts.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionErrors,
		m.activeSessions,
		m.sessionDuration,
		m.messagesTotal,
		m.brokerUp,
		m.dialDuration,
		m.dialRetriesTotal,
	)

	return m
}

// SessionOpened increments the active session gauge and should be called
// when a session enters relaying. Returns a SessionTracker to record the
// outcome when the session ends.
func (m *Metrics) SessionOpened(role string) *SessionTracker {
	if m == nil {
		return nil
	}
	m.activeSessions.WithLabelValues(role).Inc()
	return &SessionTracker{m: m, role: role}
}

// SessionError records a session failure.
func (m *Metrics) SessionError(role, reason string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(role, reason).Inc()
}

// Message counts one relay frame.
func (m *Metrics) Message(role, direction, status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(role, direction, status).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback. Use this to distinguish timeout errors from other dial
// failures in metrics.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// SetBrokerConnected sets the broker session gauge.
func (m *Metrics) SetBrokerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.brokerUp.Set(1)
	} else {
		m.brokerUp.Set(0)
	}
}

// SessionTracker records the outcome of a single session.
type SessionTracker struct {
	m    *Metrics
	role string
}

// Done records the completion of a session.
func (t *SessionTracker) Done(durationSec float64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.role).Dec()
	t.m.sessionsTotal.WithLabelValues(t.role, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.role).Observe(durationSec)
}

// IncrDialRetries increments the retry counter for a role.
func (m *Metrics) IncrDialRetries(role string) {
	if m == nil {
		return
	}
	m.dialRetriesTotal.WithLabelValues(role).Inc()
}

// InstrumentedDial wraps relay.DialWithTimeout with duration and error metrics.
// dialTimeout controls the total retry budget (0 = single attempt, no retries).
// Safe to call on a nil receiver (falls through to relay.DialWithTimeout directly).
func (m *Metrics) InstrumentedDial(ctx context.Context, cfg relay.DialConfig, role string, dialTimeout time.Duration, logger *slog.Logger) (*websocket.Conn, error) {
	start := time.Now()
	var onRetry func()
	if m != nil {
		onRetry = func() { m.IncrDialRetries(role) }
	}
	ws, err := relay.DialWithTimeout(ctx, cfg, dialTimeout, onRetry, logger)
	m.ObserveDialDuration(role, time.Since(start).Seconds())
	if err != nil {
		m.SessionError(role, DialReason(err, ReasonDialFailed))
		return nil, err
	}
	return ws, nil
}
