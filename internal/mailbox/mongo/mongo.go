// Package mongo implements the mailbox on MongoDB, the shared store of the
// original deployment. Several brokers can share one database: Take is a
// single findOneAndDelete, so a stored message is handed to one session
// only, whichever broker process it belongs to.
//
// Documents keep the relay's JSON shape ({utc, verif, network, code}, with
// addresses as [host, port] arrays) so they can be queried by address the
// same way the deployed tooling does.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/philsphicas/fuselink/internal/mailbox"
	"github.com/philsphicas/fuselink/internal/protocol"
)

// DefaultDatabase is used when the connection URI names no database.
const DefaultDatabase = "FuseLink_Cache"

const (
	collConnections   = "server_log"
	collVerifications = "server_verif"
	collMessages      = "server_data"
	collQueue         = "clients_write"
	collHandshakes    = "clients_log"
	collInbound       = "clients_read"
	collDevices       = "clients_device"
)

// Store implements mailbox.Store and mailbox.Local on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ mailbox.Store = (*Store)(nil)
	_ mailbox.Local = (*Store)(nil)
)

// Open connects to uri and returns a Store on the named database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensuring indexes: %w", err)
	}
	return s, nil
}

// Database returns the underlying database.
func (s *Store) Database() *mongo.Database { return s.db }

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		collVerifications: {{Keys: bson.D{{Key: "network.send", Value: 1}}, Options: unique}},
		collConnections:   {{Keys: bson.D{{Key: "network.send", Value: 1}}}},
		collMessages: {
			{Keys: bson.D{{Key: "network.recv", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "network.send", Value: 1}}},
		},
		collInbound: {{Keys: bson.D{{Key: "key", Value: 1}}, Options: unique}},
		collDevices: {{Keys: bson.D{{Key: "network.send", Value: 1}}, Options: unique}},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

// toDoc converts a JSON-encodable value into a BSON document.
func toDoc(v any) (bson.D, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, fmt.Errorf("converting to bson: %w", err)
	}
	return d, nil
}

// fromDoc decodes a BSON document into a JSON-decodable value. Fields the
// target does not know, such as _id, are dropped.
func fromDoc(raw bson.Raw, v any) error {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return fmt.Errorf("converting from bson: %w", err)
	}
	return json.Unmarshal(data, v)
}

func addr(a protocol.Address) bson.A { return bson.A{a.Host, a.Port} }

func bySend(a protocol.Address) bson.D {
	return bson.D{{Key: "network.send", Value: addr(a)}}
}

func deviceFilter(f protocol.DeviceFilter) bson.D {
	q := bson.D{}
	if f.Type != "" {
		q = append(q, bson.E{Key: "verif.exec.parameters.type", Value: f.Type})
	}
	if f.Send != nil {
		q = append(q, bson.E{Key: "network.send", Value: addr(*f.Send)})
	}
	return q
}

func (s *Store) upsert(ctx context.Context, coll string, filter bson.D, v any, extra ...bson.E) error {
	doc, err := toDoc(v)
	if err != nil {
		return err
	}
	doc = append(doc, extra...)
	_, err = s.db.Collection(coll).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) insert(ctx context.Context, coll string, v any, extra ...bson.E) (primitive.ObjectID, error) {
	doc, err := toDoc(v)
	if err != nil {
		return primitive.NilObjectID, err
	}
	id := primitive.NewObjectID()
	doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
	doc = append(doc, extra...)
	if _, err := s.db.Collection(coll).InsertOne(ctx, doc); err != nil {
		return primitive.NilObjectID, err
	}
	return id, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, opts ...*options.FindOptions) ([]*T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var out []*T
	for cur.Next(ctx) {
		var v T
		if err := fromDoc(cur.Current, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, cur.Err()
}

func (s *Store) PutConnection(ctx context.Context, rec *protocol.Record) error {
	return s.upsert(ctx, collConnections, bySend(rec.Network.Send), rec)
}

func (s *Store) DeleteConnection(ctx context.Context, a protocol.Address) error {
	_, err := s.db.Collection(collConnections).DeleteMany(ctx, bySend(a))
	return err
}

func (s *Store) PutVerification(ctx context.Context, rec *protocol.Record) error {
	return s.upsert(ctx, collVerifications, bySend(rec.Network.Send), rec)
}

func (s *Store) Verification(ctx context.Context, a protocol.Address) (*protocol.Record, error) {
	raw, err := s.db.Collection(collVerifications).FindOne(ctx, bySend(a)).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("verification %s: %w", a, mailbox.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec protocol.Record
	if err := fromDoc(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CountVerifications(ctx context.Context, f protocol.DeviceFilter) (int, error) {
	n, err := s.db.Collection(collVerifications).CountDocuments(ctx, deviceFilter(f))
	return int(n), err
}

func (s *Store) Verifications(ctx context.Context, f protocol.DeviceFilter) ([]*protocol.Record, error) {
	sort := options.Find().SetSort(bson.D{{Key: "utc", Value: 1}, {Key: "_id", Value: 1}})
	return findAll[protocol.Record](ctx, s.db.Collection(collVerifications), deviceFilter(f), sort)
}

func (s *Store) DeleteVerification(ctx context.Context, a protocol.Address) error {
	_, err := s.db.Collection(collVerifications).DeleteMany(ctx, bySend(a))
	return err
}

func (s *Store) Insert(ctx context.Context, msg *mailbox.Message) (string, error) {
	f, err := msg.Decode()
	if err != nil {
		return "", fmt.Errorf("decoding message: %w", err)
	}
	f.Network = &msg.Network
	created := msg.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	id, err := s.insert(ctx, collMessages, f, bson.E{Key: "created", Value: created})
	if err != nil {
		return "", err
	}
	return id.Hex(), nil
}

func (s *Store) Take(ctx context.Context, recv protocol.Address) (*mailbox.Message, error) {
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "_id", Value: 1}})
	raw, err := s.db.Collection(collMessages).
		FindOneAndDelete(ctx, bson.D{{Key: "network.recv", Value: addr(recv)}}, opts).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, mailbox.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var meta struct {
		ID      primitive.ObjectID `bson:"_id"`
		Created time.Time          `bson:"created"`
	}
	if err := bson.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	var f protocol.Frame
	if err := fromDoc(raw, &f); err != nil {
		return nil, err
	}
	if f.Network == nil {
		return nil, fmt.Errorf("message %s: %w", meta.ID.Hex(), protocol.ErrMissingNetwork)
	}
	data, err := json.Marshal(&f)
	if err != nil {
		return nil, err
	}
	return &mailbox.Message{ID: meta.ID.Hex(), Network: *f.Network, Frame: data, Created: meta.Created}, nil
}

func (s *Store) Purge(ctx context.Context, a protocol.Address) (int, error) {
	res, err := s.db.Collection(collMessages).DeleteMany(ctx, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "network.send", Value: addr(a)}},
		bson.D{{Key: "network.recv", Value: addr(a)}},
	}}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Enqueue(ctx context.Context, req *protocol.Request) error {
	_, err := s.insert(ctx, collQueue, req)
	return err
}

func (s *Store) Dequeue(ctx context.Context) (*protocol.Request, error) {
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "_id", Value: 1}})
	raw, err := s.db.Collection(collQueue).FindOneAndDelete(ctx, bson.D{}, opts).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, mailbox.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req protocol.Request
	if err := fromDoc(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) LogHandshake(ctx context.Context, rec *protocol.Record) error {
	_, err := s.insert(ctx, collHandshakes, rec)
	return err
}

func (s *Store) SaveInbound(ctx context.Context, f *protocol.Frame) error {
	key := f.Key()
	return s.upsert(ctx, collInbound, bson.D{{Key: "key", Value: key}}, f, bson.E{Key: "key", Value: key})
}

func (s *Store) Inbound(ctx context.Context) ([]*protocol.Frame, error) {
	return findAll[protocol.Frame](ctx, s.db.Collection(collInbound), bson.D{})
}

func (s *Store) SaveDevice(ctx context.Context, rec *protocol.Record) error {
	return s.upsert(ctx, collDevices, bySend(rec.Network.Send), rec)
}

func (s *Store) Devices(ctx context.Context) ([]*protocol.Record, error) {
	return findAll[protocol.Record](ctx, s.db.Collection(collDevices), bson.D{})
}
