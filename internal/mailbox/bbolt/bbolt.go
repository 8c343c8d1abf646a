// Package bbolt provides a BBolt-backed mailbox for a single host: a broker
// without a shared database, or a peer's local queues.
//
// Relay messages and queued requests are keyed by the bucket sequence, so
// cursor order is arrival order. A second bucket indexes messages by
// receiver (address, NUL, sequence), so Take seeks straight to the
// receiver's oldest message. BBolt serialises write transactions, which
// makes Take and Dequeue atomic.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/protocol"
)

var (
	bucketConnections   = []byte("server_log")
	bucketVerifications = []byte("server_verif")
	bucketMessages      = []byte("server_data")
	bucketQueue         = []byte("clients_write")
	bucketHandshakes    = []byte("clients_log")
	bucketInbound       = []byte("clients_read")
	bucketDevices       = []byte("clients_device")

	bucketRecvIndex = []byte("server_data_recv")
)

// DefaultLockTimeout bounds the wait for the file lock when Open is given
// no timeout.
const DefaultLockTimeout = time.Second

// ErrInUse reports a database file locked by another open handle, usually
// another fuselink process.
var ErrInUse = errors.New("store in use by another process")

// Store implements mailbox.Store and mailbox.Local backed by a BBolt
// database.
type Store struct {
	db *bbolt.DB
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ mailbox.Local = (*Store)(nil)
)

// New returns a Store backed by db, creating its buckets.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketConnections, bucketVerifications, bucketMessages,
			bucketQueue, bucketHandshakes, bucketInbound, bucketDevices,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		if tx.Bucket(bucketRecvIndex) != nil {
			return nil
		}
		idx, err := tx.CreateBucket(bucketRecvIndex)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketRecvIndex, err)
		}
		// Files written before the index existed.
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m mailbox.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			return idx.Put(recvKey(m.Network.Recv, k), k)
		})
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open opens a BBolt database at path and returns a Store. A BBolt file
// is held by one handle at a time; Open gives up after options.Timeout
// (DefaultLockTimeout when unset) with ErrInUse.
func Open(path string, options *bbolt.Options) (*Store, error) {
	opts := bbolt.Options{Timeout: DefaultLockTimeout}
	if options != nil {
		opts = *options
		if opts.Timeout <= 0 {
			opts.Timeout = DefaultLockTimeout
		}
	}
	db, err := bbolt.Open(path, 0600, &opts)
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("opening bbolt db %s: %w", path, ErrInUse)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

func recvPrefix(addr protocol.Address) []byte {
	return append([]byte(addr.String()), 0)
}

func recvKey(addr protocol.Address, seq []byte) []byte {
	return append(recvPrefix(addr), seq...)
}

func put(tx *bbolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func appendSeq(tx *bbolt.Tx, bucket []byte, v any) error {
	b := tx.Bucket(bucket)
	n, err := b.NextSequence()
	if err != nil {
		return err
	}
	return put(tx, bucket, seqKey(n), v)
}

func (s *Store) PutConnection(_ context.Context, rec *protocol.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketConnections, []byte(rec.Network.Send.String()), rec)
	})
}

func (s *Store) DeleteConnection(_ context.Context, addr protocol.Address) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(addr.String()))
	})
}

func (s *Store) PutVerification(_ context.Context, rec *protocol.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketVerifications, []byte(rec.Network.Send.String()), rec)
	})
}

func (s *Store) Verification(_ context.Context, addr protocol.Address) (*protocol.Record, error) {
	var rec protocol.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVerifications).Get([]byte(addr.String()))
		if data == nil {
			return fmt.Errorf("verification %s: %w", addr, mailbox.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CountVerifications(ctx context.Context, f protocol.DeviceFilter) (int, error) {
	recs, err := s.Verifications(ctx, f)
	return len(recs), err
}

func (s *Store) Verifications(_ context.Context, f protocol.DeviceFilter) ([]*protocol.Record, error) {
	var out []*protocol.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVerifications).ForEach(func(_, v []byte) error {
			var rec protocol.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if f.Match(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteVerification(_ context.Context, addr protocol.Address) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVerifications).Delete([]byte(addr.String()))
	})
}

func (s *Store) Insert(_ context.Context, msg *mailbox.Message) (string, error) {
	m := *msg
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		n, err := tx.Bucket(bucketMessages).NextSequence()
		if err != nil {
			return err
		}
		k := seqKey(n)
		if err := put(tx, bucketMessages, k, &m); err != nil {
			return err
		}
		return tx.Bucket(bucketRecvIndex).Put(recvKey(m.Network.Recv, k), k)
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

func (s *Store) Take(_ context.Context, recv protocol.Address) (*mailbox.Message, error) {
	var found *mailbox.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketRecvIndex).Cursor()
		prefix := recvPrefix(recv)
		for k, seq := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, seq = c.Seek(prefix) {
			seq = append([]byte(nil), seq...)
			v := msgs.Get(seq)
			if err := c.Delete(); err != nil {
				return err
			}
			if v == nil {
				// Index entry left by a message removed elsewhere.
				continue
			}
			var m mailbox.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			found = &m
			return msgs.Delete(seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, mailbox.ErrNotFound
	}
	return found, nil
}

// Purge scans the whole mailbox: messages sent by addr are not indexed.
// It runs once per session, on close.
func (s *Store) Purge(_ context.Context, addr protocol.Address) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		idx := tx.Bucket(bucketRecvIndex)
		var doomed, doomedIdx [][]byte
		err := msgs.ForEach(func(k, v []byte) error {
			var m mailbox.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Network.Send == addr || m.Network.Recv == addr {
				seq := append([]byte(nil), k...)
				doomed = append(doomed, seq)
				doomedIdx = append(doomedIdx, recvKey(m.Network.Recv, seq))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, k := range doomed {
			if err := msgs.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete(doomedIdx[i]); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func (s *Store) Enqueue(_ context.Context, req *protocol.Request) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return appendSeq(tx, bucketQueue, req)
	})
}

func (s *Store) Dequeue(context.Context) (*protocol.Request, error) {
	var req *protocol.Request
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var r protocol.Request
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		req = &r
		return c.Delete()
	})
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, mailbox.ErrNotFound
	}
	return req, nil
}

func (s *Store) LogHandshake(_ context.Context, rec *protocol.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return appendSeq(tx, bucketHandshakes, rec)
	})
}

func (s *Store) SaveInbound(_ context.Context, f *protocol.Frame) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketInbound, []byte(f.Key()), f)
	})
}

func (s *Store) Inbound(context.Context) ([]*protocol.Frame, error) {
	var out []*protocol.Frame
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInbound).ForEach(func(_, v []byte) error {
			var f protocol.Frame
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	return out, err
}

func (s *Store) SaveDevice(_ context.Context, rec *protocol.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucketDevices, []byte(rec.Network.Send.String()), rec)
	})
}

func (s *Store) Devices(context.Context) ([]*protocol.Record, error) {
	var out []*protocol.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var rec protocol.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}
