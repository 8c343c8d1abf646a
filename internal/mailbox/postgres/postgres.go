// Package postgres implements mailbox.Store backed by PostgreSQL.
//
// Relay messages are ordered by a BIGSERIAL column. Take deletes the oldest
// matching row selected with FOR UPDATE SKIP LOCKED, so concurrent brokers
// racing for one message never both receive it.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/protocol"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the required tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements mailbox.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ mailbox.Store = (*Store)(nil)

// New returns a Store on pool. The schema must exist.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from dsn, ensures the schema exists and
// returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) PutConnection(ctx context.Context, rec *protocol.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fuselink_connections (send_addr, record, updated)
		 VALUES ($1, $2, now())
		 ON CONFLICT (send_addr) DO UPDATE SET record = $2, updated = now()`,
		rec.Network.Send.String(), string(data))
	return err
}

func (s *Store) DeleteConnection(ctx context.Context, addr protocol.Address) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fuselink_connections WHERE send_addr = $1`, addr.String())
	return err
}

func (s *Store) PutVerification(ctx context.Context, rec *protocol.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO fuselink_verifications (send_addr, peer_type, utc, record)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (send_addr) DO UPDATE SET peer_type = $2, utc = $3, record = $4`,
		rec.Network.Send.String(), rec.Type(), rec.UTC, string(data))
	return err
}

func (s *Store) Verification(ctx context.Context, addr protocol.Address) (*protocol.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM fuselink_verifications WHERE send_addr = $1`, addr.String()).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("verification %s: %w", addr, mailbox.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec protocol.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func filterArgs(f protocol.DeviceFilter) (string, string) {
	send := ""
	if f.Send != nil {
		send = f.Send.String()
	}
	return f.Type, send
}

func (s *Store) CountVerifications(ctx context.Context, f protocol.DeviceFilter) (int, error) {
	typ, send := filterArgs(f)
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM fuselink_verifications
		 WHERE ($1 = '' OR peer_type = $1) AND ($2 = '' OR send_addr = $2)`,
		typ, send).Scan(&n)
	return n, err
}

func (s *Store) Verifications(ctx context.Context, f protocol.DeviceFilter) ([]*protocol.Record, error) {
	typ, send := filterArgs(f)
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM fuselink_verifications
		 WHERE ($1 = '' OR peer_type = $1) AND ($2 = '' OR send_addr = $2)
		 ORDER BY utc, send_addr`,
		typ, send)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec protocol.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteVerification(ctx context.Context, addr protocol.Address) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fuselink_verifications WHERE send_addr = $1`, addr.String())
	return err
}

func (s *Store) Insert(ctx context.Context, msg *mailbox.Message) (string, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := msg.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fuselink_messages (id, send_addr, recv_addr, frame, created)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, msg.Network.Send.String(), msg.Network.Recv.String(), string(msg.Frame), created)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Take(ctx context.Context, recv protocol.Address) (*mailbox.Message, error) {
	var (
		m          mailbox.Message
		send, dest string
		frame      []byte
	)
	err := s.pool.QueryRow(ctx,
		`DELETE FROM fuselink_messages
		 WHERE seq = (
		     SELECT seq FROM fuselink_messages
		     WHERE recv_addr = $1
		     ORDER BY seq
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, send_addr, recv_addr, frame, created`,
		recv.String()).Scan(&m.ID, &send, &dest, &frame, &m.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mailbox.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Network.Send, err = protocol.ParseAddress(send); err != nil {
		return nil, err
	}
	if m.Network.Recv, err = protocol.ParseAddress(dest); err != nil {
		return nil, err
	}
	m.Frame = frame
	return &m, nil
}

func (s *Store) Purge(ctx context.Context, addr protocol.Address) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM fuselink_messages WHERE send_addr = $1 OR recv_addr = $1`, addr.String())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
