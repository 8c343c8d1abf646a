package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/mailbox/mailboxtest"
	"github.com/philsphicas/fuselink/internal/protocol"
)

func TestStore(t *testing.T) {
	mailboxtest.RunStore(t, func(*testing.T) mailbox.Store { return New() })
}

func TestLocal(t *testing.T) {
	mailboxtest.RunLocal(t, func(*testing.T) mailbox.Local { return New() })
}

func TestConnectionRecord(t *testing.T) {
	s := New()
	ctx := context.Background()
	addr := protocol.Address{Host: "10.0.0.1", Port: 1}
	rec := &protocol.Record{UTC: 5, Network: protocol.Network{Send: addr}}
	require.NoError(t, s.PutConnection(ctx, rec))

	got, ok := s.Connection(addr)
	require.True(t, ok)
	assert.Equal(t, int64(5), got.UTC)

	got.UTC = 99
	again, _ := s.Connection(addr)
	assert.Equal(t, int64(5), again.UTC, "returned records must be copies")

	require.NoError(t, s.DeleteConnection(ctx, addr))
	_, ok = s.Connection(addr)
	assert.False(t, ok)
}

func TestHandshakes(t *testing.T) {
	s := New()
	rec := mailboxtest.VerifiedRecord(protocol.Address{Host: "a", Port: 1}, "t", 1)
	require.NoError(t, s.LogHandshake(context.Background(), rec))
	logs := s.Handshakes()
	require.Len(t, logs, 1)
	assert.Equal(t, "t", logs[0].Type())
}
