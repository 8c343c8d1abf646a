package broker

import (
	"testing"

	"github.com/philsphicas/fuselink/internal/protocol"
)

func TestRegistry(t *testing.T) {
	r := newRegistry()
	a := protocol.Address{Host: "10.0.0.1", Port: 1}
	old := &session{network: protocol.Network{Send: a}, wake: make(chan struct{}, 1)}
	cur := &session{network: protocol.Network{Send: a}, wake: make(chan struct{}, 1)}

	r.add(old)
	r.add(cur)
	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}

	// A stale session leaving must not unregister its successor.
	r.remove(old)
	if r.len() != 1 {
		t.Fatal("stale remove dropped the live session")
	}

	r.notify(a)
	r.notify(a) // coalesced, never blocks
	select {
	case <-cur.wake:
	default:
		t.Fatal("live session not woken")
	}
	select {
	case <-old.wake:
		t.Fatal("stale session woken")
	default:
	}

	r.notify(protocol.Address{Host: "10.0.0.2", Port: 2})

	r.remove(cur)
	if r.len() != 0 {
		t.Fatalf("len = %d, want 0", r.len())
	}
}
