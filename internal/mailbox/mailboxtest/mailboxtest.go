// Package mailboxtest is a conformance suite shared by the mailbox
// backends.
package mailboxtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/protocol"
	"github.com/philsphicas/fuselink/internal/totp"
)

var (
	peerA  = protocol.Address{Host: "10.0.0.1", Port: 40001}
	peerB  = protocol.Address{Host: "10.0.0.2", Port: 40002}
	peerC  = protocol.Address{Host: "10.0.0.3", Port: 40003}
	broker = protocol.Address{Host: "0.0.0.0", Port: 10000}
)

// VerifiedRecord builds a verification record for addr announcing typ.
func VerifiedRecord(addr protocol.Address, typ string, utc int64) *protocol.Record {
	return &protocol.Record{
		UTC: utc,
		Verif: &totp.Result{
			UTC:  utc,
			Exec: totp.Exec{Parameters: map[string]string{"type": typ}},
			Res:  totp.Verdict{Verif: true, Code: "123456"},
		},
		Network: protocol.Network{Send: addr, Recv: broker},
		Code:    protocol.Text(protocol.VerifySucceeded),
	}
}

func message(t *testing.T, send, recv protocol.Address, payload string) *mailbox.Message {
	t.Helper()
	msg, err := mailbox.NewMessage(&protocol.Frame{
		UTC:     1700000000,
		Network: &protocol.Network{Send: send, Recv: recv},
		Code:    protocol.Text(payload),
	})
	require.NoError(t, err)
	return msg
}

func payload(t *testing.T, m *mailbox.Message) string {
	t.Helper()
	f, err := m.Decode()
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(f.Code, &s))
	return s
}

// RunStore runs the broker store suite. newStore must return an empty
// store for each call.
func RunStore(t *testing.T, newStore func(t *testing.T) mailbox.Store) {
	ctx := context.Background()

	t.Run("VerificationUpsert", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerA, "client_a", 1)))
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerA, "client_a2", 2)))

		n, err := s.CountVerifications(ctx, protocol.DeviceFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := s.Verification(ctx, peerA)
		require.NoError(t, err)
		assert.Equal(t, "client_a2", rec.Type())
		assert.True(t, rec.Verified())
		assert.Equal(t, peerA, rec.Network.Send)
	})

	t.Run("VerificationNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Verification(ctx, peerA)
		assert.True(t, errors.Is(err, mailbox.ErrNotFound), "got %v", err)
	})

	t.Run("VerificationFilter", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerA, "sensor", 1)))
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerB, "sensor", 2)))
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerC, "client", 3)))

		all, err := s.Verifications(ctx, protocol.DeviceFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err := s.CountVerifications(ctx, protocol.DeviceFilter{Type: "sensor"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		send := peerC
		recs, err := s.Verifications(ctx, protocol.DeviceFilter{Send: &send})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "client", recs[0].Type())

		recs, err = s.Verifications(ctx, protocol.DeviceFilter{Type: "sensor", Send: &send})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("DeleteVerification", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerA, "a", 1)))
		require.NoError(t, s.PutVerification(ctx, VerifiedRecord(peerB, "b", 1)))
		require.NoError(t, s.DeleteVerification(ctx, peerA))
		require.NoError(t, s.DeleteVerification(ctx, peerC), "deleting a missing record is not an error")

		_, err := s.Verification(ctx, peerA)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)
		_, err = s.Verification(ctx, peerB)
		assert.NoError(t, err)
	})

	t.Run("Connections", func(t *testing.T) {
		s := newStore(t)
		rec := &protocol.Record{UTC: 1, Network: protocol.Network{Send: peerA, Recv: broker}}
		require.NoError(t, s.PutConnection(ctx, rec))
		rec.Code = protocol.Text(protocol.VerifyFailed)
		require.NoError(t, s.PutConnection(ctx, rec))
		require.NoError(t, s.DeleteConnection(ctx, peerA))
		require.NoError(t, s.DeleteConnection(ctx, peerA))
	})

	t.Run("InsertTakeFIFO", func(t *testing.T) {
		s := newStore(t)
		for i := range 3 {
			id, err := s.Insert(ctx, message(t, peerA, peerB, fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
			assert.NotEmpty(t, id)
		}
		for i := range 3 {
			m, err := s.Take(ctx, peerB)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("m%d", i), payload(t, m))
			assert.Equal(t, peerA, m.Network.Send)
			assert.NotEmpty(t, m.ID)
		}
		_, err := s.Take(ctx, peerB)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)
	})

	t.Run("TakeMatchesRecvOnly", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, message(t, peerA, peerB, "for-b"))
		require.NoError(t, err)

		_, err = s.Take(ctx, peerA)
		assert.ErrorIs(t, err, mailbox.ErrNotFound, "sender must not receive its own outgoing mail")
		_, err = s.Take(ctx, peerC)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)

		m, err := s.Take(ctx, peerB)
		require.NoError(t, err)
		assert.Equal(t, "for-b", payload(t, m))
	})

	t.Run("TakeOnceUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, message(t, peerA, peerB, "only"))
		require.NoError(t, err)

		const racers = 16
		var wins, misses atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.Take(ctx, peerB)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, mailbox.ErrNotFound):
					misses.Add(1)
				default:
					t.Errorf("Take: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), misses.Load())
	})

	t.Run("TakeManyUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		const total = 40
		for i := range total {
			_, err := s.Insert(ctx, message(t, peerA, peerB, fmt.Sprintf("m%d", i)))
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					m, err := s.Take(ctx, peerB)
					if errors.Is(err, mailbox.ErrNotFound) {
						return
					}
					if err != nil {
						t.Errorf("Take: %v", err)
						return
					}
					f, err := m.Decode()
					if err != nil {
						t.Errorf("Decode: %v", err)
						return
					}
					mu.Lock()
					seen[string(f.Code)]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, total)
		for code, n := range seen {
			assert.Equal(t, 1, n, "message %s delivered %d times", code, n)
		}
	})

	t.Run("PurgeBothDirections", func(t *testing.T) {
		s := newStore(t)
		for _, m := range []*mailbox.Message{
			message(t, peerA, peerB, "a->b"),
			message(t, peerB, peerA, "b->a"),
			message(t, peerA, peerA, "a->a"),
			message(t, peerC, peerB, "c->b"),
		} {
			_, err := s.Insert(ctx, m)
			require.NoError(t, err)
		}

		n, err := s.Purge(ctx, peerA)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = s.Take(ctx, peerA)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)
		m, err := s.Take(ctx, peerB)
		require.NoError(t, err)
		assert.Equal(t, "c->b", payload(t, m))
		_, err = s.Take(ctx, peerB)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)
	})
}

// RunLocal runs the peer store suite. newLocal must return an empty store
// for each call.
func RunLocal(t *testing.T, newLocal func(t *testing.T) mailbox.Local) {
	ctx := context.Background()

	t.Run("QueueFIFO", func(t *testing.T) {
		s := newLocal(t)
		recv := peerB
		require.NoError(t, s.Enqueue(ctx, &protocol.Request{Code: protocol.Text("one")}))
		require.NoError(t, s.Enqueue(ctx, &protocol.Request{Recv: &recv, Code: protocol.Text("two")}))
		require.NoError(t, s.Enqueue(ctx, &protocol.Request{Devices: &protocol.DeviceFilter{}}))

		r, err := s.Dequeue(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `"one"`, string(r.Code))
		assert.Nil(t, r.Recv)

		r, err = s.Dequeue(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `"two"`, string(r.Code))
		require.NotNil(t, r.Recv)
		assert.Equal(t, peerB, *r.Recv)

		r, err = s.Dequeue(ctx)
		require.NoError(t, err)
		assert.False(t, r.IsRelay())
		assert.NotNil(t, r.Devices)

		_, err = s.Dequeue(ctx)
		assert.ErrorIs(t, err, mailbox.ErrNotFound)
	})

	t.Run("DequeueOnceUnderConcurrency", func(t *testing.T) {
		s := newLocal(t)
		require.NoError(t, s.Enqueue(ctx, &protocol.Request{Code: protocol.Text("only")}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Dequeue(ctx); err == nil {
					wins.Add(1)
				} else if !errors.Is(err, mailbox.ErrNotFound) {
					t.Errorf("Dequeue: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("InboundUpsert", func(t *testing.T) {
		s := newLocal(t)
		n := &protocol.Network{Send: peerA, Recv: peerB}
		require.NoError(t, s.SaveInbound(ctx, &protocol.Frame{UTC: 1, Network: n, Code: json.RawMessage(`{"a":1,"b":2}`)}))
		require.NoError(t, s.SaveInbound(ctx, &protocol.Frame{UTC: 2, Network: n, Code: json.RawMessage(`{"b":2,"a":1}`)}))
		require.NoError(t, s.SaveInbound(ctx, &protocol.Frame{UTC: 3, Network: n, Code: protocol.Text("other")}))

		frames, err := s.Inbound(ctx)
		require.NoError(t, err)
		require.Len(t, frames, 2)
		var utcs []int64
		for _, f := range frames {
			utcs = append(utcs, f.UTC)
		}
		assert.ElementsMatch(t, []int64{2, 3}, utcs)
	})

	t.Run("DeviceUpsert", func(t *testing.T) {
		s := newLocal(t)
		require.NoError(t, s.SaveDevice(ctx, VerifiedRecord(peerA, "old", 1)))
		require.NoError(t, s.SaveDevice(ctx, VerifiedRecord(peerB, "b", 1)))
		require.NoError(t, s.SaveDevice(ctx, VerifiedRecord(peerA, "new", 2)))

		devs, err := s.Devices(ctx)
		require.NoError(t, err)
		require.Len(t, devs, 2)
		types := map[protocol.Address]string{}
		for _, d := range devs {
			types[d.Network.Send] = d.Type()
		}
		assert.Equal(t, map[protocol.Address]string{peerA: "new", peerB: "b"}, types)
	})

	t.Run("LogHandshake", func(t *testing.T) {
		s := newLocal(t)
		require.NoError(t, s.LogHandshake(ctx, VerifiedRecord(peerA, "a", 1)))
		require.NoError(t, s.LogHandshake(ctx, VerifiedRecord(peerA, "a", 1)))
	})
}
