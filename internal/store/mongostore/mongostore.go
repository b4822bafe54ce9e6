// Package mongostore implements store.Client on the MongoDB Go driver.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"docbench/internal/store"
	"docbench/internal/workload"
)

const connectTimeout = 30 * time.Second

type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and pings the primary.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	opts := options.Client().ApplyURI(uri).SetConnectTimeout(connectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", uri)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrapf(err, "pinging %s", uri)
	}
	return &Client{client: client, db: client.Database(database)}, nil
}

func (c *Client) InsertOne(ctx context.Context, collection string, doc store.Document) error {
	_, err := c.db.Collection(collection).InsertOne(ctx, toBSON(doc))
	return store.Wrap("insert-one", collection, err)
}

func (c *Client) InsertMany(ctx context.Context, collection string, docs []store.Document) error {
	batch := make([]interface{}, len(docs))
	for i, doc := range docs {
		batch[i] = toBSON(doc)
	}
	_, err := c.db.Collection(collection).InsertMany(ctx, batch)
	return store.Wrap("insert-many", collection, err)
}

func (c *Client) UpsertOne(ctx context.Context, collection string, filter, update store.Document) error {
	_, err := c.db.Collection(collection).UpdateOne(ctx, toBSON(filter), toBSON(update), options.Update().SetUpsert(true))
	return store.Wrap("upsert-one", collection, err)
}

func (c *Client) CreateIndex(ctx context.Context, collection string, index workload.Index) error {
	model, err := indexModel(index)
	if err != nil {
		return store.Wrap("create-index", collection, err)
	}
	_, err = c.db.Collection(collection).Indexes().CreateOne(ctx, model)
	return store.Wrap("create-index", collection, err)
}

func (c *Client) NewBulk(collection string, ordered bool) store.Bulk {
	return &bulk{coll: c.db.Collection(collection), ordered: ordered}
}

func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

type bulk struct {
	coll    *mongo.Collection
	ordered bool
	models  []mongo.WriteModel
}

func (b *bulk) Insert(doc store.Document) {
	b.models = append(b.models, mongo.NewInsertOneModel().SetDocument(toBSON(doc)))
}

func (b *bulk) Upsert(filter, update store.Document) {
	b.models = append(b.models, mongo.NewUpdateOneModel().
		SetFilter(toBSON(filter)).
		SetUpdate(toBSON(update)).
		SetUpsert(true))
}

func (b *bulk) Len() int { return len(b.models) }

func (b *bulk) Execute(ctx context.Context) error {
	op := "unordered-bulk"
	if b.ordered {
		op = "ordered-bulk"
	}
	_, err := b.coll.BulkWrite(ctx, b.models, options.BulkWrite().SetOrdered(b.ordered))
	b.models = nil
	return store.Wrap(op, b.coll.Name(), err)
}

func indexModel(index workload.Index) (mongo.IndexModel, error) {
	keys := bson.D{}
	for _, k := range index.Keys {
		dir, err := direction(k.Direction)
		if err != nil {
			return mongo.IndexModel{}, errors.Wrapf(err, "index key %q", k.Field)
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}

	opts := options.Index().SetBackground(true)
	if index.Options.Name != "" {
		opts.SetName(index.Options.Name)
	}
	if index.Options.Unique {
		opts.SetUnique(true)
	}
	if index.Options.Sparse {
		opts.SetSparse(true)
	}
	if index.Options.ExpireAfterSeconds != nil {
		opts.SetExpireAfterSeconds(*index.Options.ExpireAfterSeconds)
	}
	return mongo.IndexModel{Keys: keys, Options: opts}, nil
}

// direction accepts 1, -1 or an index type name such as "text".
func direction(v any) (any, error) {
	switch d := v.(type) {
	case int:
		return int32(d), nil
	case int32:
		return d, nil
	case int64:
		return int32(d), nil
	case float64:
		return int32(d), nil
	case json.Number:
		if i, err := d.Int64(); err == nil {
			return int32(i), nil
		}
		return d.String(), nil
	case string:
		return d, nil
	}
	return nil, fmt.Errorf("unsupported direction %v (%T)", v, v)
}

// toBSON converts generated values to their BSON representation. UUIDs are
// stored as binary subtype 4.
func toBSON(doc store.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = convert(v)
	}
	return out
}

func convert(v any) any {
	switch val := v.(type) {
	case uuid.UUID:
		return primitive.Binary{Subtype: 0x04, Data: val[:]}
	case []byte:
		return primitive.Binary{Subtype: 0x00, Data: val}
	case map[string]any:
		return toBSON(val)
	case []any:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = convert(item)
		}
		return out
	}
	return v
}
