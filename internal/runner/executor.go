package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"docbench/internal/generator"
	"docbench/internal/stats"
	"docbench/internal/store"
	"docbench/internal/throttle"
	"docbench/internal/workload"
)

const latencyShipInterval = 5 * time.Second

// Sink receives a worker's measurements.
type Sink interface {
	Log(instance string, counters map[string]int64)
	MergeLatency(s *hdrhistogram.Snapshot)
}

// WriteObserver records the outcome of individual store writes.
// *metrics.Metrics implements it.
type WriteObserver interface {
	ObserveWrite(operation, batchMethod string, d time.Duration)
	RecordWriteError(operation string)
}

// DoneSignal is polled by writers to learn that the run is over.
type DoneSignal interface {
	IsSet() bool
}

// Executor runs the commands of one section on the threads of one worker
// process. The threads share its generator, store client and throttles.
type Executor struct {
	label    string
	settings Settings
	gen      *generator.Generator
	client   store.Client
	sink     Sink
	done     DoneSignal
	metrics  WriteObserver
	log      *log.Entry
	latency  *stats.SafeHistogram

	mu        sync.Mutex
	throttles map[string]*throttle.Throttle
}

func NewExecutor(label string, settings Settings, gen *generator.Generator, client store.Client, sink Sink, done DoneSignal, obs WriteObserver) *Executor {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Executor{
		label:     label,
		settings:  settings,
		gen:       gen,
		client:    client,
		sink:      sink,
		done:      done,
		metrics:   obs,
		log:       log.WithField("worker", label),
		latency:   stats.NewSafeHistogram(),
		throttles: make(map[string]*throttle.Throttle),
	}
}

// Run executes commands on every thread and returns once all threads have
// finished. A failing thread stops on its own; the others carry on and every
// thread error is returned together.
func (e *Executor) Run(ctx context.Context, commands []workload.Command) error {
	threads := e.settings.Threads
	if threads < 1 {
		threads = 1
	}

	shipCtx, stopShipping := context.WithCancel(ctx)
	defer stopShipping()
	go e.shipLatency(shipCtx)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
	)
	for i := 0; i < threads; i++ {
		thread := e.log.WithField("thread", i)
		g.Go(func() error {
			for _, cmd := range commands {
				if err := e.runCommand(ctx, thread, cmd); err != nil {
					thread.WithError(err).Errorf("command %s failed, thread stopping", cmd.Name)
					mu.Lock()
					errs = multierror.Append(errs, errors.Wrapf(err, "%s thread %d", e.label, i))
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.latency.TotalCount() > 0 {
		e.sink.MergeLatency(e.latency.Drain())
	}
	return errs.ErrorOrNil()
}

func (e *Executor) shipLatency(ctx context.Context) {
	ticker := time.NewTicker(latencyShipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.latency.TotalCount() > 0 {
				e.sink.MergeLatency(e.latency.Drain())
			}
		}
	}
}

func (e *Executor) runCommand(ctx context.Context, thread *log.Entry, cmd workload.Command) error {
	thread.Debugf("processing %s", cmd.Name)
	if cmd.Operation == workload.OpIndex {
		return e.createIndexes(ctx, thread, cmd)
	}

	schema, err := e.gen.Compile(cmd.Doc)
	if err != nil {
		return err
	}

	limit := cmd.Count
	if limit == 0 {
		limit = e.settings.MaxIterations
	}
	checkEvery := e.settings.DoneCheckBatch
	if cmd.BatchMethod == workload.BatchSingle {
		checkEvery = e.settings.DoneCheckSingle
	}

	w := e.newWriter(cmd)
	var (
		iterations int64
		lastCheck  time.Time
	)
	for limit == 0 || iterations < limit {
		if now := time.Now(); now.Sub(lastCheck) >= checkEvery {
			lastCheck = now
			if e.done.IsSet() {
				thread.Debugf("%s stopping after %d iterations, run is done", cmd.Name, iterations)
				break
			}
		}
		// a cancelled context means forced termination: no residual flush
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, err := e.gen.Build(schema)
		if err != nil {
			return err
		}
		iterations++
		if err := w.add(ctx, doc); err != nil {
			return err
		}
	}
	return w.flush(ctx)
}

func (e *Executor) createIndexes(ctx context.Context, thread *log.Entry, cmd workload.Command) error {
	for collection, indexes := range cmd.Indexes {
		thread.Debugf("creating %d indexes on %s", len(indexes), collection)
		for _, index := range indexes {
			if err := e.client.CreateIndex(ctx, collection, index); err != nil {
				e.metrics.RecordWriteError(workload.OpIndex.String())
				return err
			}
		}
	}
	return nil
}

func (e *Executor) throttle(cmd workload.Command) *throttle.Throttle {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.throttles[cmd.Name]
	if !ok {
		t = throttle.New()
		batch := cmd.BatchSize
		if cmd.BatchMethod == workload.BatchSingle {
			batch = 1
		}
		t.SetRate(e.settings.Rate, batch, e.settings.Producers)
		e.throttles[cmd.Name] = t
	}
	return t
}

// timed runs one store call and records its latency.
func (e *Executor) timed(cmd workload.Command, call func() error) error {
	start := time.Now()
	err := call()
	d := time.Since(start)
	if err != nil {
		e.metrics.RecordWriteError(cmd.Operation.String())
		return err
	}
	e.latency.RecordDuration(d)
	e.metrics.ObserveWrite(cmd.Operation.String(), cmd.BatchMethod.String(), d)
	return nil
}

// --- Batching writers ---

type writer interface {
	add(ctx context.Context, doc store.Document) error
	flush(ctx context.Context) error
}

func (e *Executor) newWriter(cmd workload.Command) writer {
	base := batchBase{e: e, cmd: cmd, throttle: e.throttle(cmd)}
	switch cmd.BatchMethod {
	case workload.BatchSingle:
		return &singleWriter{batchBase: base}
	case workload.BatchArray:
		return &arrayWriter{batchBase: base}
	case workload.BatchOrderedBulk, workload.BatchUnorderedBulk:
		return &bulkWriter{batchBase: base}
	}
	panic(fmt.Sprintf("no writer for %s %s", cmd.Operation, cmd.BatchMethod))
}

type batchBase struct {
	e        *Executor
	cmd      workload.Command
	throttle *throttle.Throttle
}

func (b batchBase) logInserts(n int64) {
	if n > 0 {
		b.e.sink.Log(stats.InstanceInsert, map[string]int64{stats.CounterInserts: n})
	}
}

// upsertPair keys doc by a fresh UUID so every upsert creates a document.
func upsertPair(doc store.Document) (filter, update store.Document) {
	return store.Document{"_id": uuid.New()}, store.Document{"$set": doc}
}

// singleWriter writes each document on its own and coalesces the counts it
// reports.
type singleWriter struct {
	batchBase
	pending   int64
	lastFlush time.Time
}

func (w *singleWriter) add(ctx context.Context, doc store.Document) error {
	if w.lastFlush.IsZero() {
		w.lastFlush = time.Now()
	}
	if err := w.throttle.Wait(ctx); err != nil {
		return err
	}
	coll := w.cmd.Collection
	err := w.e.timed(w.cmd, func() error {
		if w.cmd.Operation == workload.OpUpsert {
			filter, update := upsertPair(doc)
			return w.e.client.UpsertOne(ctx, coll, filter, update)
		}
		return w.e.client.InsertOne(ctx, coll, doc)
	})
	if err != nil {
		w.logPending()
		return err
	}
	w.pending++
	if time.Since(w.lastFlush) >= w.e.settings.SingleFlushInterval {
		w.logPending()
	}
	return nil
}

func (w *singleWriter) logPending() {
	w.logInserts(w.pending)
	w.pending = 0
	w.lastFlush = time.Now()
}

func (w *singleWriter) flush(context.Context) error {
	w.logPending()
	return nil
}

type arrayWriter struct {
	batchBase
	docs []store.Document
}

func (w *arrayWriter) add(ctx context.Context, doc store.Document) error {
	w.docs = append(w.docs, doc)
	if len(w.docs) < w.cmd.BatchSize {
		return nil
	}
	return w.write(ctx)
}

func (w *arrayWriter) write(ctx context.Context) error {
	if err := w.throttle.Wait(ctx); err != nil {
		return err
	}
	docs := w.docs
	w.docs = nil
	err := w.e.timed(w.cmd, func() error {
		return w.e.client.InsertMany(ctx, w.cmd.Collection, docs)
	})
	if err != nil {
		return err
	}
	w.logInserts(int64(len(docs)))
	return nil
}

func (w *arrayWriter) flush(ctx context.Context) error {
	if len(w.docs) == 0 {
		return nil
	}
	return w.write(ctx)
}

type bulkWriter struct {
	batchBase
	bulk store.Bulk
}

func (w *bulkWriter) add(ctx context.Context, doc store.Document) error {
	if w.bulk == nil {
		w.bulk = w.e.client.NewBulk(w.cmd.Collection, w.cmd.BatchMethod == workload.BatchOrderedBulk)
	}
	if w.cmd.Operation == workload.OpUpsert {
		w.bulk.Upsert(upsertPair(doc))
	} else {
		w.bulk.Insert(doc)
	}
	if w.bulk.Len() < w.cmd.BatchSize {
		return nil
	}
	return w.execute(ctx)
}

func (w *bulkWriter) execute(ctx context.Context) error {
	if err := w.throttle.Wait(ctx); err != nil {
		return err
	}
	bulk := w.bulk
	w.bulk = nil
	n := int64(bulk.Len())
	if err := w.e.timed(w.cmd, func() error { return bulk.Execute(ctx) }); err != nil {
		return err
	}
	w.logInserts(n)
	return nil
}

func (w *bulkWriter) flush(ctx context.Context) error {
	if w.bulk == nil || w.bulk.Len() == 0 {
		return nil
	}
	return w.execute(ctx)
}
