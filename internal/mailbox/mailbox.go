// Package mailbox defines the store contracts the relay sessions hand data
// through.
//
// Store is the broker side: connection records, verification records and
// the relay messages in transit between peers. Local is the peer side: the
// outbound queue an application writes requests into, and the inbound log
// and device table the peer session fills.
//
// Every method is one atomic store operation. Take and Dequeue in
// particular read and remove a record in a single step, so two concurrent
// callers never observe the same record.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/philsphicas/fuselink/internal/protocol"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("mailbox: not found")

// Message is a relay message at rest.
type Message struct {
	ID      string
	Network protocol.Network
	// Frame is the relay frame as received by the broker.
	Frame   json.RawMessage
	Created time.Time
}

// Store is the broker's shared store.
type Store interface {
	// PutConnection upserts the connection record keyed by its send address.
	PutConnection(ctx context.Context, rec *protocol.Record) error
	// DeleteConnection removes the connection record of addr.
	DeleteConnection(ctx context.Context, addr protocol.Address) error

	// PutVerification upserts the verification record keyed by its send
	// address.
	PutVerification(ctx context.Context, rec *protocol.Record) error
	// Verification returns the live verification record of addr, or
	// ErrNotFound.
	Verification(ctx context.Context, addr protocol.Address) (*protocol.Record, error)
	// CountVerifications counts verification records matching f.
	CountVerifications(ctx context.Context, f protocol.DeviceFilter) (int, error)
	// Verifications lists verification records matching f.
	Verifications(ctx context.Context, f protocol.DeviceFilter) ([]*protocol.Record, error)
	// DeleteVerification removes the verification record of addr.
	DeleteVerification(ctx context.Context, addr protocol.Address) error

	// Insert stores a relay message and returns its id. An empty ID is
	// assigned by the store.
	Insert(ctx context.Context, msg *Message) (string, error)
	// Take atomically removes and returns the oldest message addressed to
	// recv, or ErrNotFound.
	Take(ctx context.Context, recv protocol.Address) (*Message, error)
	// Purge deletes every message sent by or addressed to addr and reports
	// how many were removed.
	Purge(ctx context.Context, addr protocol.Address) (int, error)

	Close() error
}

// Local is a peer's own store.
type Local interface {
	// Enqueue appends a request to the outbound queue.
	Enqueue(ctx context.Context, req *protocol.Request) error
	// Dequeue atomically removes and returns the oldest queued request, or
	// ErrNotFound.
	Dequeue(ctx context.Context) (*protocol.Request, error)

	// LogHandshake records a handshake reply.
	LogHandshake(ctx context.Context, rec *protocol.Record) error

	// SaveInbound upserts a received frame keyed by (network, code).
	SaveInbound(ctx context.Context, f *protocol.Frame) error
	// Inbound lists the inbound log.
	Inbound(ctx context.Context) ([]*protocol.Frame, error)

	// SaveDevice upserts a device record keyed by its send address.
	SaveDevice(ctx context.Context, rec *protocol.Record) error
	// Devices lists the device table.
	Devices(ctx context.Context) ([]*protocol.Record, error)

	Close() error
}

// NewMessage builds the stored form of f.
func NewMessage(f *protocol.Frame) (*Message, error) {
	if f.Network == nil {
		return nil, protocol.ErrMissingNetwork
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return &Message{Network: *f.Network, Frame: raw, Created: time.Now().UTC()}, nil
}

// Decode returns the stored frame.
func (m *Message) Decode() (*protocol.Frame, error) {
	var f protocol.Frame
	if err := json.Unmarshal(m.Frame, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
