// Package memstore is an in-memory data store for dry runs and tests. It can
// simulate server latency and random write failures.
package memstore

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"docbench/internal/store"
	"docbench/internal/workload"
)

// Profile shapes the simulated latency of every call.
type Profile string

const (
	ProfileInstant Profile = "instant"
	ProfileFast    Profile = "fast"   // 1-5ms
	ProfileMedium  Profile = "medium" // 10-30ms
	ProfileSlow    Profile = "slow"   // 100-200ms
	ProfileSpike   Profile = "spike"  // usually 2ms, 5% of calls 500ms
)

type Config struct {
	Profile Profile
	// ErrorRate is the probability in [0, 1] that a write fails.
	ErrorRate float64
	// KeepDocuments retains written documents for inspection.
	KeepDocuments bool
}

// ParseTarget reads a memory://profile?error-rate=0.1&keep=true target.
func ParseTarget(target string) (Config, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Config{}, err
	}
	if u.Scheme != "memory" {
		return Config{}, fmt.Errorf("not a memory target: %q", target)
	}
	cfg := Config{Profile: Profile(u.Host)}
	if cfg.Profile == "" {
		cfg.Profile = ProfileInstant
	}
	switch cfg.Profile {
	case ProfileInstant, ProfileFast, ProfileMedium, ProfileSlow, ProfileSpike:
	default:
		return Config{}, fmt.Errorf("unknown memory profile %q", u.Host)
	}
	if v := u.Query().Get("error-rate"); v != "" {
		if cfg.ErrorRate, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, fmt.Errorf("error-rate: %w", err)
		}
	}
	if v := u.Query().Get("keep"); v != "" {
		if cfg.KeepDocuments, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("keep: %w", err)
		}
	}
	return cfg, nil
}

// Counts tallies calls made against a Store.
type Counts struct {
	InsertOne   int
	InsertMany  int
	UpsertOne   int
	BulkExecute int
	CreateIndex int
	Documents   int
	Failures    int
}

type Store struct {
	cfg Config

	mu        sync.Mutex
	rng       *rand.Rand
	counts    Counts
	documents map[string][]store.Document
	upserts   map[string]map[any]store.Document
	indexes   map[string][]workload.Index
	closed    bool
}

func New(cfg Config) *Store {
	return &Store{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		documents: make(map[string][]store.Document),
		upserts:   make(map[string]map[any]store.Document),
		indexes:   make(map[string][]workload.Index),
	}
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Documents returns the inserted documents of a collection when KeepDocuments
// is set.
func (s *Store) Documents(collection string) []store.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Document(nil), s.documents[collection]...)
}

// UpsertKeys returns the distinct _id values upserted into a collection.
func (s *Store) UpsertKeys(collection string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]any, 0, len(s.upserts[collection]))
	for k := range s.upserts[collection] {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) Indexes(collection string) []workload.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workload.Index(nil), s.indexes[collection]...)
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc store.Document) error {
	if err := s.call(ctx, "insert-one", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.InsertOne++
	s.insert(collection, doc)
	return nil
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []store.Document) error {
	if err := s.call(ctx, "insert-many", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.InsertMany++
	for _, doc := range docs {
		s.insert(collection, doc)
	}
	return nil
}

func (s *Store) UpsertOne(ctx context.Context, collection string, filter, update store.Document) error {
	if err := s.call(ctx, "upsert-one", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.UpsertOne++
	return s.upsert(collection, filter, update)
}

func (s *Store) CreateIndex(ctx context.Context, collection string, index workload.Index) error {
	if err := s.call(ctx, "create-index", collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.CreateIndex++
	s.indexes[collection] = append(s.indexes[collection], index)
	return nil
}

func (s *Store) NewBulk(collection string, ordered bool) store.Bulk {
	return &bulk{store: s, collection: collection, ordered: ordered}
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// call simulates the round trip and decides whether it fails.
func (s *Store) call(ctx context.Context, op, collection string) error {
	s.mu.Lock()
	closed := s.closed
	delay := s.latency()
	fail := s.cfg.ErrorRate > 0 && s.rng.Float64() < s.cfg.ErrorRate
	if fail {
		s.counts.Failures++
	}
	s.mu.Unlock()

	if closed {
		return store.Wrap(op, collection, fmt.Errorf("client is closed"))
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return store.Wrap(op, collection, ctx.Err())
		case <-timer.C:
		}
	}
	if fail {
		return store.Wrap(op, collection, fmt.Errorf("simulated server error"))
	}
	return nil
}

func (s *Store) latency() time.Duration {
	between := func(lo, hi int) time.Duration {
		return time.Duration(s.rng.Intn(hi-lo)+lo) * time.Millisecond
	}
	switch s.cfg.Profile {
	case ProfileFast:
		return between(1, 5)
	case ProfileMedium:
		return between(10, 30)
	case ProfileSlow:
		return between(100, 200)
	case ProfileSpike:
		if s.rng.Float32() < 0.05 {
			return 500 * time.Millisecond
		}
		return 2 * time.Millisecond
	}
	return 0
}

func (s *Store) insert(collection string, doc store.Document) {
	s.counts.Documents++
	if s.cfg.KeepDocuments {
		s.documents[collection] = append(s.documents[collection], doc)
	}
}

func (s *Store) upsert(collection string, filter, update store.Document) error {
	key, ok := filter["_id"]
	if !ok {
		return store.Wrap("upsert", collection, fmt.Errorf("filter has no _id"))
	}
	set, _ := update["$set"].(store.Document)
	if s.upserts[collection] == nil {
		s.upserts[collection] = make(map[any]store.Document)
	}
	if _, exists := s.upserts[collection][key]; !exists {
		s.counts.Documents++
	}
	s.upserts[collection][key] = set
	return nil
}

type bulk struct {
	store      *Store
	collection string
	ordered    bool
	ops        []func() error
}

func (b *bulk) Insert(doc store.Document) {
	b.ops = append(b.ops, func() error {
		b.store.insert(b.collection, doc)
		return nil
	})
}

func (b *bulk) Upsert(filter, update store.Document) {
	b.ops = append(b.ops, func() error {
		return b.store.upsert(b.collection, filter, update)
	})
}

func (b *bulk) Len() int { return len(b.ops) }

func (b *bulk) Execute(ctx context.Context) error {
	op := "unordered-bulk"
	if b.ordered {
		op = "ordered-bulk"
	}
	if len(b.ops) == 0 {
		return store.Wrap(op, b.collection, fmt.Errorf("no operations"))
	}
	if err := b.store.call(ctx, op, b.collection); err != nil {
		return err
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.counts.BulkExecute++
	var errs []string
	for _, apply := range b.ops {
		if err := apply(); err != nil {
			if b.ordered {
				return err
			}
			errs = append(errs, err.Error())
		}
	}
	b.ops = nil
	if len(errs) > 0 {
		return store.Wrap(op, b.collection, fmt.Errorf("%d writes failed: %s", len(errs), strings.Join(errs, "; ")))
	}
	return nil
}
