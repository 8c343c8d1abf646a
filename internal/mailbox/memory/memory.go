// Package memory provides a thread-safe in-memory implementation of both
// mailbox.Store and mailbox.Local. Suitable for tests and single-process
// use: a broker and its peers share state only inside one process.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/protocol"
)

// Store is the in-memory backend.
type Store struct {
	mu sync.Mutex

	connections   map[protocol.Address]*protocol.Record
	verifications map[protocol.Address]*protocol.Record
	messages      []*mailbox.Message

	queue   []*protocol.Request
	logs    []*protocol.Record
	inbound []*protocol.Frame
	devices map[protocol.Address]*protocol.Record
	// deviceOrder keeps Devices in first-seen order.
	deviceOrder []protocol.Address
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ mailbox.Local = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		connections:   make(map[protocol.Address]*protocol.Record),
		verifications: make(map[protocol.Address]*protocol.Record),
		devices:       make(map[protocol.Address]*protocol.Record),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Records are cloned through JSON so callers never share nested maps with
// the store.
func cloneRecord(rec *protocol.Record) *protocol.Record {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil
	}
	var out protocol.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

func cloneFrame(f *protocol.Frame) *protocol.Frame {
	c := *f
	if f.Network != nil {
		n := *f.Network
		c.Network = &n
	}
	c.Code = slices.Clone(f.Code)
	return &c
}

func cloneMessage(m *mailbox.Message) *mailbox.Message {
	c := *m
	c.Frame = slices.Clone(m.Frame)
	return &c
}

func (s *Store) PutConnection(_ context.Context, rec *protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[rec.Network.Send] = cloneRecord(rec)
	return nil
}

func (s *Store) DeleteConnection(_ context.Context, addr protocol.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, addr)
	return nil
}

// Connection returns the connection record of addr.
func (s *Store) Connection(addr protocol.Address) (*protocol.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connections[addr]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

func (s *Store) PutVerification(_ context.Context, rec *protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifications[rec.Network.Send] = cloneRecord(rec)
	return nil
}

func (s *Store) Verification(_ context.Context, addr protocol.Address) (*protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.verifications[addr]
	if !ok {
		return nil, mailbox.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) CountVerifications(ctx context.Context, f protocol.DeviceFilter) (int, error) {
	recs, err := s.Verifications(ctx, f)
	return len(recs), err
}

func (s *Store) Verifications(_ context.Context, f protocol.DeviceFilter) ([]*protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Record
	for _, rec := range s.verifications {
		if f.Match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b *protocol.Record) int {
		return cmp.Or(
			cmp.Compare(a.UTC, b.UTC),
			cmp.Compare(a.Network.Send.String(), b.Network.Send.String()),
		)
	})
	return out, nil
}

func (s *Store) DeleteVerification(_ context.Context, addr protocol.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verifications, addr)
	return nil
}

func (s *Store) Insert(_ context.Context, msg *mailbox.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := cloneMessage(msg)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *Store) Take(_ context.Context, recv protocol.Address) (*mailbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.Network.Recv == recv {
			s.messages = slices.Delete(s.messages, i, i+1)
			return m, nil
		}
	}
	return nil, mailbox.ErrNotFound
}

func (s *Store) Purge(_ context.Context, addr protocol.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.messages)
	s.messages = slices.DeleteFunc(s.messages, func(m *mailbox.Message) bool {
		return m.Network.Send == addr || m.Network.Recv == addr
	})
	return before - len(s.messages), nil
}

func (s *Store) Enqueue(_ context.Context, req *protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var c protocol.Request
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, &c)
	return nil
}

func (s *Store) Dequeue(context.Context) (*protocol.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, mailbox.ErrNotFound
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req, nil
}

func (s *Store) LogHandshake(_ context.Context, rec *protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, cloneRecord(rec))
	return nil
}

// Handshakes returns the logged handshake replies.
func (s *Store) Handshakes() []*protocol.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Record, len(s.logs))
	for i, rec := range s.logs {
		out[i] = cloneRecord(rec)
	}
	return out
}

func (s *Store) SaveInbound(_ context.Context, f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := f.Key()
	for i, have := range s.inbound {
		if have.Key() == key {
			s.inbound[i] = cloneFrame(f)
			return nil
		}
	}
	s.inbound = append(s.inbound, cloneFrame(f))
	return nil
}

func (s *Store) Inbound(context.Context) ([]*protocol.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Frame, len(s.inbound))
	for i, f := range s.inbound {
		out[i] = cloneFrame(f)
	}
	return out, nil
}

func (s *Store) SaveDevice(_ context.Context, rec *protocol.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := rec.Network.Send
	if _, ok := s.devices[addr]; !ok {
		s.deviceOrder = append(s.deviceOrder, addr)
	}
	s.devices[addr] = cloneRecord(rec)
	return nil
}

func (s *Store) Devices(context.Context) ([]*protocol.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Record, 0, len(s.deviceOrder))
	for _, addr := range s.deviceOrder {
		out = append(out, cloneRecord(s.devices[addr]))
	}
	return out, nil
}
