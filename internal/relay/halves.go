package relay

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// Half is one direction of a session.
type Half func(ctx context.Context) error

// RunHalves runs both halves until the first one returns, cancels the
// other and waits for it. It returns the first half's error.
func RunHalves(ctx context.Context, a, b Half) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- a(ctx) }()
	go func() { errc <- b(ctx) }()

	// Wait for the first direction to finish, then cancel the other.
	err := <-errc
	cancel()
	<-errc
	return err
}

// IgnoreNormalClose maps a normal WebSocket closure to nil.
func IgnoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.StatusNormalClosure || closeErr.Code == websocket.StatusGoingAway) {
		return nil
	}
	return err
}

// IsClosed reports whether err means the peer went away or the session
// was cancelled, as opposed to a protocol or storage failure.
func IsClosed(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
