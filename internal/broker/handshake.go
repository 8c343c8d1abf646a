package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/fuselink/internal/metrics"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/totp"
)

var errHandshakeTimeout = errors.New("no handshake frame before the deadline")

type readResult struct {
	data []byte
	err  error
}

// handshake waits for the peer's credential frame, evaluates it, persists
// the outcome and replies with the full record. It reports whether the
// peer is verified.
func (sess *session) handshake(ctx context.Context, rec *protocol.Record) (*protocol.Record, bool) {
	// A read whose context expires closes the connection, so the deadline
	// is enforced here instead and the timeout can still be answered.
	frames := make(chan readResult, 1)
	go func() {
		_, data, err := sess.ws.Read(ctx)
		frames <- readResult{data: data, err: err}
	}()

	timer := time.NewTimer(sess.srv.cfg.HandshakeTimeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-frames:
		err = r.err
		if err == nil {
			err = sess.verify(rec, r.data)
		}
	case <-timer.C:
		err = errHandshakeTimeout
	case <-ctx.Done():
		return rec, false
	}
	rec.UTC = time.Now().Unix()
	if err != nil {
		rec.Verif = nil
		rec.Code = protocol.Text(protocol.VerifyTimedOut + " " + err.Error())
	}

	if rec.Verified() {
		if perr := sess.store().PutVerification(ctx, rec); perr != nil {
			rec.Code = protocol.Text(fmt.Sprintf("%s store verification: %v", protocol.VerifyTimedOut, perr))
			rec.Verif = nil
			err = perr
		}
	}
	if perr := sess.store().PutConnection(ctx, rec); perr != nil {
		sess.logger.Warn("failed to record handshake", "error", perr)
	}

	switch {
	case errors.Is(err, errHandshakeTimeout):
		sess.metrics().SessionError(metrics.RoleBroker, metrics.ReasonHandshakeTimeout)
		sess.logger.Warn("handshake timed out")
	case err != nil:
		sess.metrics().SessionError(metrics.RoleBroker, metrics.ReasonHandshakeRejected)
		sess.logger.Warn("handshake failed", "error", err)
	case !rec.Verified():
		sess.metrics().SessionError(metrics.RoleBroker, metrics.ReasonHandshakeRejected)
		sess.logger.Warn("handshake rejected", "type", rec.Type())
	}

	sess.mu.Lock()
	werr := sess.writeLocked(ctx, rec)
	sess.mu.Unlock()
	if werr != nil && websocket.CloseStatus(werr) == -1 {
		sess.logger.Debug("failed to send handshake reply", "error", werr)
	}
	return rec, rec.Verified() && werr == nil
}

// verify evaluates a handshake frame into rec.
func (sess *session) verify(rec *protocol.Record, data []byte) error {
	fields, err := protocol.DecodeParams(data)
	if err != nil {
		return err
	}
	shared := sess.srv.cfg.Secret != nil
	if shared {
		secret, err := sess.openSecret()
		if err != nil {
			return err
		}
		delete(fields, "utc")
		fields["secret"] = secret
	}

	res, err := totp.EvaluateWindow(totp.ParamsFromMap(fields), time.Now(), sess.srv.cfg.Skew)
	if err != nil {
		return err
	}
	if fields["totp_debug"] == "true" {
		sess.logger.Info("handshake debug", "computed", res.Code(), "matched", res.Matched(), "interval", res.Exec.Interval, "algorithm", res.Exec.Algorithm)
	}
	if shared {
		res = res.Redacted()
	}
	rec.Verif = res
	if res.Matched() {
		rec.Code = protocol.Text(protocol.VerifySucceeded)
	} else {
		rec.Code = protocol.Text(protocol.VerifyFailed)
	}
	return nil
}

func (sess *session) openSecret() (string, error) {
	buf, err := sess.srv.cfg.Secret.Open()
	if err != nil {
		return "", fmt.Errorf("open shared secret: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}
