// Package broker implements the fuselink broker: it accepts peer WebSocket
// sessions, verifies each peer with a TOTP handshake, stores relay frames
// addressed between verified peers in the mailbox and delivers each stored
// frame to its receiver exactly once.
//
// Sessions are correlated only by transport address. A session registered
// under address A receives every message whose network.recv is A.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/metrics"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/relay"
	"github.com/philsphicas/fuselink/internal/totp"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultReadLimit        = 1 << 20

	cleanupTimeout = 10 * time.Second
)

// Config holds broker configuration.
type Config struct {
	Store mailbox.Store
	// Secret, when set, is the only secret handshakes are evaluated
	// against. Callers then send just a code, and secret material is
	// redacted from replies and stored records.
	Secret *memguard.Enclave
	// Skew is the number of neighbouring time steps accepted on either
	// side of the broker's clock.
	Skew             int
	HandshakeTimeout time.Duration
	// OpenTimeout bounds reading the HTTP upgrade request.
	OpenTimeout time.Duration
	// PollInterval bounds how long mail inserted by another broker
	// process waits before delivery.
	PollInterval time.Duration
	PingInterval time.Duration // 0 disables keepalive pings
	PingTimeout  time.Duration
	MaxSessions  int           // 0 = unlimited
	ReadLimit    int64
	Compression  string
	// OriginPatterns are passed to the WebSocket upgrade. Requests
	// without an Origin header are always accepted.
	OriginPatterns []string
	// AllowList optionally restricts peer source addresses
	// (host:port, CIDR:port or CIDR:* patterns).
	AllowList []string
	Logger    *slog.Logger
	Metrics   *metrics.Metrics // optional; nil disables metrics
}

// SealSecret moves s into an encrypted enclave. It returns nil for an
// empty secret.
func SealSecret(s string) *memguard.Enclave {
	if s == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(s))
}

// Server is a broker. It is an http.Handler.
type Server struct {
	cfg      Config
	limiter  *relay.Limiter
	registry *registry
	router   chi.Router
	sessions sync.WaitGroup
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("broker: no store configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultHandshakeTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if len(cfg.AllowList) == 0 {
		cfg.Logger.Debug("no allowlist configured, all peer addresses will be permitted")
	}

	s := &Server{
		cfg:      cfg,
		limiter:  relay.NewLimiter(cfg.MaxSessions),
		registry: newRegistry(),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleRoot)
	r.Get("/code", s.handleCode)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Sessions reports the number of verified sessions.
func (s *Server) Sessions() int { return s.registry.len() }

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// and waits for every session's cleanup to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.OpenTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	s.cfg.Logger.Info("broker listening", "addr", ln.Addr())
	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	// Hijacked WebSocket connections outlive Shutdown.
	s.sessions.Wait()
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	logger := s.cfg.Logger
	remote, err := protocol.ParseAddress(r.RemoteAddr)
	if err != nil {
		http.Error(w, "bad remote address", http.StatusBadRequest)
		return
	}
	if len(s.cfg.AllowList) > 0 && !isAllowed(remote.String(), s.cfg.AllowList) {
		logger.Warn("peer not allowed", "addr", remote)
		s.cfg.Metrics.SessionError(metrics.RoleBroker, metrics.ReasonAllowlistRejected)
		http.Error(w, "peer not allowed", http.StatusForbidden)
		return
	}
	if !s.limiter.TryAcquire(r.Context()) {
		logger.Warn("max sessions reached, refusing peer", "addr", remote)
		s.cfg.Metrics.SessionError(metrics.RoleBroker, metrics.ReasonSessionLimit)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer s.limiter.Release()

	var local protocol.Address
	if la, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local, _ = protocol.ParseAddress(la.String())
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.OriginPatterns,
		CompressionMode: relay.CompressionMode(s.cfg.Compression),
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", "addr", remote, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	sess := newSession(s, ws, protocol.Network{Send: remote, Recv: local})
	sess.run(r.Context())
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	fields := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	res, err := totp.Evaluate(totp.ParamsFromMap(fields))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Verified int    `json:"verified"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok", Sessions: s.registry.len()}
	n, err := s.cfg.Store.CountVerifications(r.Context(), protocol.DeviceFilter{})
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	h.Verified = n
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
