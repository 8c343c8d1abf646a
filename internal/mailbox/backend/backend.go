// Package backend opens a mailbox from a store DSN.
//
//	memory                  in-process store
//	bolt:/path/file.db      BBolt file (bbolt: is accepted too)
//	mongodb://host/db       MongoDB; the database defaults to FuseLink_Cache
//	postgres://...          PostgreSQL (broker store only)
package backend

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/mailbox/bbolt"
	"github.com/philsphicas/fuselink/internal/mailbox/memory"
	"github.com/philsphicas/fuselink/internal/mailbox/mongo"
	"github.com/philsphicas/fuselink/internal/mailbox/postgres"
)

// Kind names the backend a DSN selects.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindBolt     Kind = "bolt"
	KindMongo    Kind = "mongodb"
	KindPostgres Kind = "postgres"
)

// Parse splits dsn into its backend kind and the backend-specific rest.
func Parse(dsn string) (Kind, string, error) {
	switch {
	case dsn == "memory" || dsn == "mem":
		return KindMemory, "", nil
	case strings.HasPrefix(dsn, "bolt:"):
		return boltPath(strings.TrimPrefix(dsn, "bolt:"))
	case strings.HasPrefix(dsn, "bbolt:"):
		return boltPath(strings.TrimPrefix(dsn, "bbolt:"))
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return KindMongo, dsn, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return KindPostgres, dsn, nil
	}
	return "", "", fmt.Errorf("unsupported store %q (want memory, bolt:PATH, mongodb://... or postgres://...)", dsn)
}

func boltPath(p string) (Kind, string, error) {
	p = strings.TrimPrefix(p, "//")
	if p == "" {
		return "", "", fmt.Errorf("bolt store needs a file path")
	}
	return KindBolt, p, nil
}

func openMongo(ctx context.Context, uri string) (*mongo.Store, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongodb uri: %w", err)
	}
	return mongo.Open(ctx, uri, cs.Database)
}

// OpenStore opens the broker store named by dsn.
func OpenStore(ctx context.Context, dsn string) (mailbox.Store, error) {
	kind, rest, err := Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindPostgres:
		s, err := postgres.Open(ctx, rest)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return openShared(ctx, kind, rest)
	}
}

// OpenLocal opens the peer store named by dsn.
func OpenLocal(ctx context.Context, dsn string) (mailbox.Local, error) {
	kind, rest, err := Parse(dsn)
	if err != nil {
		return nil, err
	}
	if kind == KindPostgres {
		return nil, fmt.Errorf("postgres is a broker store; use bolt:PATH or mongodb:// for a peer")
	}
	return openShared(ctx, kind, rest)
}

// both is implemented by the backends that serve brokers and peers.
type both interface {
	mailbox.Store
	mailbox.Local
}

func openShared(ctx context.Context, kind Kind, rest string) (both, error) {
	switch kind {
	case KindMemory:
		return memory.New(), nil
	case KindBolt:
		s, err := bbolt.Open(rest, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindMongo:
		s, err := openMongo(ctx, rest)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store kind %q", kind)
}
