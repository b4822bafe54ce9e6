// Package store defines the data store client used by workload executors.
package store

import (
	"context"
	"fmt"

	"docbench/internal/workload"
)

type Document = map[string]any

// Client writes documents to one database. Implementations are safe for use
// by the threads of one worker process.
type Client interface {
	InsertOne(ctx context.Context, collection string, doc Document) error
	InsertMany(ctx context.Context, collection string, docs []Document) error
	UpsertOne(ctx context.Context, collection string, filter, update Document) error
	NewBulk(collection string, ordered bool) Bulk
	CreateIndex(ctx context.Context, collection string, index workload.Index) error
	Close(ctx context.Context) error
}

// Bulk accumulates write operations for a single round trip.
type Bulk interface {
	Insert(doc Document)
	Upsert(filter, update Document)
	Len() int
	Execute(ctx context.Context) error
}

// Error is returned for any failed data store call.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s on %q: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Collection: collection, Err: err}
}
