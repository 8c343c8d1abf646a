package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/metrics"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/totp"
)

type session struct {
	cfg    Config
	ws     *websocket.Conn
	logger *slog.Logger

	// frames is fed by readLoop. readErr is set before frames is closed.
	frames  chan []byte
	readErr error

	// base is the broker's handshake reply; its send address is how the
	// broker knows this peer.
	base *protocol.Record
}

func newSession(cfg Config, ws *websocket.Conn) *session {
	return &session{
		cfg:    cfg,
		ws:     ws,
		logger: cfg.Logger,
		frames: make(chan []byte, cfg.MaxQueue),
	}
}

func (s *session) self() protocol.Address { return s.base.Network.Send }

func (s *session) readLoop(ctx context.Context) {
	defer close(s.frames)
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.frames <- data:
		case <-ctx.Done():
			s.readErr = ctx.Err()
			return
		}
	}
}

// next returns the next frame from the broker, or protocol.ErrShortReply
// once deadline fires.
func (s *session) next(ctx context.Context, deadline <-chan time.Time) ([]byte, error) {
	select {
	case data, ok := <-s.frames:
		if !ok {
			return nil, s.readErr
		}
		return data, nil
	case <-deadline:
		return nil, protocol.ErrShortReply
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shortID returns the last 12 hex digits of a random UUID.
func shortID() string {
	id := uuid.NewString()
	return id[len(id)-12:]
}

// handshake sends the credential and waits for the verdict.
func (s *session) handshake(ctx context.Context) error {
	typ := s.cfg.Type
	if typ == "" {
		typ = "client_" + shortID()
	}
	shared := s.cfg.Secret != ""
	secret := s.cfg.Secret
	if !shared {
		secret = shortID()
	}
	res, err := totp.Evaluate(totp.Params{Secret: secret})
	if err != nil {
		return fmt.Errorf("compute code: %w", err)
	}
	req := protocol.HandshakeRequest{Type: typ, Code: res.Code(), TOTPDebug: s.cfg.Debug}
	if !shared {
		req.Secret = res.Exec.Secret
	}
	if err := s.write(ctx, req); err != nil {
		s.cfg.Metrics.SessionError(metrics.RolePeer, metrics.ReasonBrokerFailed)
		return fmt.Errorf("send handshake: %w", err)
	}

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()
	data, err := s.next(ctx, timer.C)
	if err != nil {
		reason := metrics.ReasonBrokerFailed
		if errors.Is(err, protocol.ErrShortReply) {
			reason = metrics.ReasonHandshakeTimeout
		}
		s.cfg.Metrics.SessionError(metrics.RolePeer, reason)
		return fmt.Errorf("await verdict: %w", err)
	}
	var rec protocol.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.cfg.Metrics.SessionError(metrics.RolePeer, metrics.ReasonDecodeError)
		return fmt.Errorf("decode verdict: %w", err)
	}
	if err := s.cfg.Local.LogHandshake(ctx, &rec); err != nil {
		return storeErr("log handshake", err)
	}
	if !rec.Verified() {
		s.cfg.Metrics.SessionError(metrics.RolePeer, metrics.ReasonHandshakeRejected)
		return fmt.Errorf("%w: %s", ErrRejected, rec.Message())
	}
	s.base = &rec
	s.logger = s.logger.With("addr", rec.Network.Send.String())
	return nil
}

// forward serves the outbound queue until the connection fails.
func (s *session) forward(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		req, err := s.cfg.Local.Dequeue(ctx)
		switch {
		case err == nil:
			if err := s.handle(ctx, req); err != nil {
				return err
			}
			continue
		case !errors.Is(err, mailbox.ErrNotFound):
			return storeErr("dequeue", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-s.frames:
			if !ok {
				return s.readErr
			}
			if err := s.saveDelivery(ctx, data); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func (s *session) handle(ctx context.Context, req *protocol.Request) error {
	if !req.IsRelay() && req.Devices == nil {
		s.logger.Warn("skipping queued request with neither code nor device marker")
		return nil
	}
	if req.IsRelay() {
		if err := s.relay(ctx, req); err != nil {
			return err
		}
	}
	if req.Devices != nil {
		return s.listDevices(ctx, *req.Devices)
	}
	return nil
}

// relay sends one payload and reads its reply contract. Deliveries that
// arrive meanwhile are recorded as well.
func (s *session) relay(ctx context.Context, req *protocol.Request) error {
	self := s.self()
	recv := self
	if req.Recv != nil {
		recv = *req.Recv
	}
	f := protocol.Frame{
		UTC:     s.base.UTC,
		Network: &protocol.Network{Send: self, Recv: recv},
		Code:    req.Code,
	}
	if err := s.write(ctx, f); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	echoKey := f.Key()

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()

	var contract *protocol.RelayReplies
	echoed := false
	for contract == nil || (contract.Echo && !echoed) {
		data, err := s.next(ctx, timer.C)
		if err != nil {
			return fmt.Errorf("relay to %s: %w", recv, err)
		}
		in, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("undecodable frame from broker", "error", err)
			continue
		}
		if out, ok := protocol.ReplyTo(f, in); ok && contract == nil {
			c := protocol.Expect(out, self)
			contract = &c
			s.recordOutcome(out, recv)
			in = protocol.StripStorageID(in)
		} else if in.Key() == echoKey {
			echoed = true
		} else {
			s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionIn, metrics.StatusDelivered)
		}
		if err := s.cfg.Local.SaveInbound(ctx, &in); err != nil {
			return storeErr("save inbound", err)
		}
	}
	return nil
}

func (s *session) recordOutcome(out protocol.Outcome, recv protocol.Address) {
	switch {
	case out.Error != "":
		s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionOut, metrics.StatusError)
		s.logger.Warn("broker reported an error", "recv", recv.String(), "error", out.Error)
	case out.Status:
		s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionOut, metrics.StatusAccepted)
		s.logger.Debug("message accepted", "recv", recv.String(), "id", out.StorageID)
	default:
		s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionOut, metrics.StatusRejected)
		s.logger.Info("message rejected", "recv", recv.String())
	}
}

// listDevices requests a device listing and stores the records.
func (s *session) listDevices(ctx context.Context, filter protocol.DeviceFilter) error {
	self := s.self()
	f := protocol.Frame{
		UTC:     s.base.UTC,
		Network: &protocol.Network{Send: self, Recv: self},
		Code:    protocol.DeviceListing(filter),
	}
	if err := s.write(ctx, f); err != nil {
		return fmt.Errorf("send device listing: %w", err)
	}

	timer := time.NewTimer(s.cfg.ReplyTimeout)
	defer timer.Stop()

	// Deliveries may precede the count; the listing itself is contiguous.
	n := -1
	for n < 0 {
		data, err := s.next(ctx, timer.C)
		if err != nil {
			return fmt.Errorf("device listing: %w", err)
		}
		if count, err := protocol.ParseCount(data); err == nil {
			n = count
			break
		}
		in, err := decodeFrame(data)
		if err != nil {
			s.logger.Warn("undecodable frame from broker", "error", err)
			continue
		}
		if out, ok := protocol.ReplyTo(f, in); ok && out.Error != "" {
			s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionOut, metrics.StatusError)
			s.logger.Warn("device listing failed", "error", out.Error)
			return nil
		}
		if err := s.saveFrame(ctx, in); err != nil {
			return err
		}
	}

	for range n {
		data, err := s.next(ctx, timer.C)
		if err != nil {
			return fmt.Errorf("device listing: %w", err)
		}
		var rec protocol.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode device record: %w", err)
		}
		if err := s.cfg.Local.SaveDevice(ctx, &rec); err != nil {
			return storeErr("save device", err)
		}
	}
	s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionOut, metrics.StatusListed)
	s.logger.Debug("device listing stored", "count", n)
	return nil
}

// saveDelivery records mail that arrived while the queue was idle.
func (s *session) saveDelivery(ctx context.Context, data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		s.logger.Warn("undecodable frame from broker", "error", err)
		return nil
	}
	return s.saveFrame(ctx, f)
}

func (s *session) saveFrame(ctx context.Context, f protocol.Frame) error {
	f = protocol.StripStorageID(f)
	if err := s.cfg.Local.SaveInbound(ctx, &f); err != nil {
		return storeErr("save inbound", err)
	}
	s.cfg.Metrics.Message(metrics.RolePeer, metrics.DirectionIn, metrics.StatusDelivered)
	return nil
}

func decodeFrame(data []byte) (protocol.Frame, error) {
	var f protocol.Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

func (s *session) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.ws.Write(ctx, websocket.MessageText, data)
}
