package broker

import (
	"sync"

	"github.com/philsphicas/fuselink/internal/protocol"
)

// registry maps verified addresses to their live sessions so an insert can
// wake the receiving session instead of waiting for its next poll.
type registry struct {
	mu       sync.Mutex
	sessions map[protocol.Address]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[protocol.Address]*session)}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.self()] = s
}

// remove drops s unless a newer session took over its address.
func (r *registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.self()] == s {
		delete(r.sessions, s.self())
	}
}

// notify wakes the session registered under addr, if any. It never blocks.
func (r *registry) notify(addr protocol.Address) {
	r.mu.Lock()
	s := r.sessions[addr]
	r.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
