package relay

import "context"

// Limiter caps concurrent sessions. The zero Limiter and NewLimiter(0)
// impose no limit.
type Limiter struct {
	ch chan struct{}
}

// NewLimiter returns a Limiter admitting at most max sessions.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return &Limiter{}
	}
	return &Limiter{ch: make(chan struct{}, max)}
}

// TryAcquire reserves a slot without blocking.
func (l *Limiter) TryAcquire(ctx context.Context) bool {
	if l.ch == nil {
		return true
	}
	select {
	case l.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// Release frees a slot taken by TryAcquire.
func (l *Limiter) Release() {
	if l.ch == nil {
		return
	}
	<-l.ch
}

// InUse reports the number of held slots.
func (l *Limiter) InUse() int {
	return len(l.ch)
}
