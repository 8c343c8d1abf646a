package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/metrics"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/relay"
)

// session owns one peer connection from accept to cleanup.
type session struct {
	srv     *Server
	ws      *websocket.Conn
	network protocol.Network
	logger  *slog.Logger

	// wake is signalled when mail for this session is inserted in-process.
	wake chan struct{}

	// mu serializes writes. Multi-frame replies hold it for their whole
	// sequence.
	mu sync.Mutex
}

func newSession(s *Server, ws *websocket.Conn, n protocol.Network) *session {
	return &session{
		srv:     s,
		ws:      ws,
		network: n,
		logger:  s.cfg.Logger.With("addr", n.Send.String()),
		wake:    make(chan struct{}, 1),
	}
}

// self is the address mail for this session is keyed by.
func (sess *session) self() protocol.Address { return sess.network.Send }

func (sess *session) store() mailbox.Store { return sess.srv.cfg.Store }

func (sess *session) metrics() *metrics.Metrics { return sess.srv.cfg.Metrics }

func (sess *session) run(ctx context.Context) {
	defer func() { _ = sess.ws.CloseNow() }()
	defer sess.cleanup(ctx)

	rec := &protocol.Record{UTC: time.Now().Unix(), Network: sess.network}
	if err := sess.store().PutConnection(ctx, rec); err != nil {
		sess.logger.Warn("failed to record connection", "error", err)
	}

	rec, ok := sess.handshake(ctx, rec)
	if !ok {
		_ = sess.ws.Close(websocket.StatusPolicyViolation, "verification failed")
		return
	}

	sess.srv.registry.add(sess)
	defer sess.srv.registry.remove(sess)
	sess.logger.Info("peer connected", "type", rec.Type())

	start := time.Now()
	tracker := sess.metrics().SessionOpened(metrics.RoleBroker)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go relay.KeepAlive(ctx, sess.ws, sess.srv.cfg.PingInterval, sess.srv.cfg.PingTimeout, sess.logger, cancel)

	err := relay.IgnoreNormalClose(relay.RunHalves(ctx, sess.receive, sess.deliver))
	if relay.IsClosed(err) {
		err = nil
	}
	tracker.Done(time.Since(start).Seconds(), err)
	if err != nil {
		sess.logger.Warn("peer disconnected", "duration", time.Since(start), "error", err)
		return
	}
	sess.logger.Info("peer disconnected", "duration", time.Since(start))
}

// cleanup removes every record tied to the session's address. It runs on
// every exit path, including server shutdown, so it does not inherit
// cancellation from ctx.
func (sess *session) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	// The verification goes first: it gates relays to this address, so
	// nothing can be inserted for it once the purge has run.
	self := sess.self()
	if err := sess.store().DeleteVerification(ctx, self); err != nil {
		sess.logger.Warn("failed to delete verification", "error", err)
	}
	n, err := sess.store().Purge(ctx, self)
	if err != nil {
		sess.logger.Warn("failed to purge messages", "error", err)
	}
	if err := sess.store().DeleteConnection(ctx, self); err != nil {
		sess.logger.Warn("failed to delete connection record", "error", err)
	}
	sess.logger.Debug("session cleaned up", "purged", n)
}

// receive handles frames from the peer until the connection fails. Errors
// local to one frame are answered inline.
func (sess *session) receive(ctx context.Context) error {
	for {
		_, data, err := sess.ws.Read(ctx)
		if err != nil {
			return err
		}
		if err := sess.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

// deliver sends mail addressed to this session, woken by in-process
// inserts or by the poll ticker.
func (sess *session) deliver(ctx context.Context) error {
	ticker := time.NewTicker(sess.srv.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := sess.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.wake:
		case <-ticker.C:
		}
	}
}

func (sess *session) drain(ctx context.Context) error {
	for {
		sess.mu.Lock()
		msg, err := sess.store().Take(ctx, sess.self())
		if err != nil {
			sess.mu.Unlock()
			if errors.Is(err, mailbox.ErrNotFound) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sess.logger.Warn("failed to take message", "error", err)
			sess.metrics().SessionError(metrics.RoleBroker, metrics.ReasonStoreError)
			return nil
		}
		err = sess.ws.Write(ctx, websocket.MessageText, msg.Frame)
		sess.mu.Unlock()
		if err != nil {
			return fmt.Errorf("deliver %s: %w", msg.ID, err)
		}
		sess.metrics().Message(metrics.RoleBroker, metrics.DirectionOut, metrics.StatusDelivered)
		sess.logger.Debug("message delivered", "id", msg.ID, "from", msg.Network.Send.String())
	}
}

// handleFrame answers one relay frame. Only a failed write is returned.
func (sess *session) handleFrame(ctx context.Context, data []byte) error {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		// Echo whatever code the frame carried.
		var partial struct {
			Code json.RawMessage `json:"code"`
		}
		_ = json.Unmarshal(data, &partial)
		return sess.replyError(ctx, protocol.Frame{Code: partial.Code}, fmt.Errorf("decode frame: %w", err), metrics.ReasonDecodeError)
	}

	filter, isListing, err := protocol.ParseDeviceListing(f.Code)
	if isListing {
		if err != nil {
			return sess.replyError(ctx, f, err, metrics.ReasonDecodeError)
		}
		return sess.listDevices(ctx, f, filter)
	}
	return sess.relayFrame(ctx, f)
}

func (sess *session) relayFrame(ctx context.Context, f protocol.Frame) error {
	if f.Network == nil {
		return sess.replyError(ctx, f, protocol.ErrMissingNetwork, metrics.ReasonDecodeError)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	accepted, err := sess.verified(ctx, *f.Network)
	if err != nil {
		return sess.replyErrorLocked(ctx, f, err, metrics.ReasonStoreError)
	}
	var id string
	if accepted {
		msg, err := mailbox.NewMessage(&f)
		if err != nil {
			return sess.replyErrorLocked(ctx, f, err, metrics.ReasonDecodeError)
		}
		if id, err = sess.store().Insert(ctx, msg); err != nil {
			return sess.replyErrorLocked(ctx, f, fmt.Errorf("store message: %w", err), metrics.ReasonStoreError)
		}
		sess.srv.registry.notify(f.Network.Recv)
		sess.metrics().Message(metrics.RoleBroker, metrics.DirectionIn, metrics.StatusAccepted)
	} else {
		sess.metrics().Message(metrics.RoleBroker, metrics.DirectionIn, metrics.StatusRejected)
		sess.logger.Debug("message rejected", "send", f.Network.Send.String(), "recv", f.Network.Recv.String())
	}
	return sess.writeLocked(ctx, protocol.Reply(f, accepted, id))
}

// verified reports whether both ends of n hold a live verification record.
func (sess *session) verified(ctx context.Context, n protocol.Network) (bool, error) {
	for _, a := range []protocol.Address{n.Send, n.Recv} {
		_, err := sess.store().Verification(ctx, a)
		if errors.Is(err, mailbox.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check verification of %s: %w", a, err)
		}
	}
	return true, nil
}

// listDevices answers a device listing with a count frame followed by that
// many redacted verification records.
func (sess *session) listDevices(ctx context.Context, f protocol.Frame, filter protocol.DeviceFilter) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	recs, err := sess.store().Verifications(ctx, filter)
	if err != nil {
		return sess.replyErrorLocked(ctx, f, fmt.Errorf("list devices: %w", err), metrics.ReasonStoreError)
	}
	if err := sess.ws.Write(ctx, websocket.MessageText, protocol.CountFrame(len(recs))); err != nil {
		return err
	}
	for _, rec := range recs {
		rec.Verif = rec.Verif.Redacted()
		if err := sess.writeLocked(ctx, rec); err != nil {
			return err
		}
	}
	sess.metrics().Message(metrics.RoleBroker, metrics.DirectionIn, metrics.StatusListed)
	return nil
}

func (sess *session) replyError(ctx context.Context, f protocol.Frame, err error, reason string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.replyErrorLocked(ctx, f, err, reason)
}

func (sess *session) replyErrorLocked(ctx context.Context, f protocol.Frame, err error, reason string) error {
	sess.logger.Warn("frame failed", "error", err)
	sess.metrics().SessionError(metrics.RoleBroker, reason)
	sess.metrics().Message(metrics.RoleBroker, metrics.DirectionIn, metrics.StatusError)
	return sess.writeLocked(ctx, protocol.ErrorFrame(f, err))
}

// writeLocked sends v as a JSON text frame. The caller holds mu.
func (sess *session) writeLocked(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sess.ws.Write(ctx, websocket.MessageText, data)
}
