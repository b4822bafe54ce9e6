package runner

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"docbench/internal/generator"
	"docbench/internal/ipc"
	"docbench/internal/stats"
	"docbench/internal/store"
	"docbench/internal/store/memstore"
	"docbench/internal/store/mongostore"
)

// Connector opens a store client for one worker process.
type Connector func(ctx context.Context, settings Settings, target string) (store.Client, error)

// DefaultConnector opens the store named by settings.
func DefaultConnector(ctx context.Context, settings Settings, target string) (store.Client, error) {
	switch settings.Store {
	case StoreMemory:
		cfg := memstore.Config{Profile: memstore.ProfileInstant}
		if strings.HasPrefix(target, "memory://") {
			parsed, err := memstore.ParseTarget(target)
			if err != nil {
				return nil, err
			}
			cfg = parsed
		}
		return memstore.New(cfg), nil
	default:
		return mongostore.Connect(ctx, target, settings.DBName)
	}
}

// RunJob runs one worker process's share of a section: it builds the
// corpora, connects, and executes the commands on every thread.
func RunJob(ctx context.Context, job Job, connect Connector, sink Sink, done DoneSignal, obs WriteObserver) error {
	logger := log.WithField("worker", job.Label())
	start := time.Now()
	gen, err := generator.New(generator.Config{
		RandomTextBufferSize:  job.Settings.RandomTextBufferSize,
		RandomBytesBufferSize: job.Settings.RandomBytesBufferSize,
		Seed:                  job.Settings.Seed,
	})
	if err != nil {
		return errors.Wrap(err, "building corpora")
	}
	logger.Debugf("corpora ready in %s", time.Since(start))

	client, err := connect(ctx, job.Settings, job.Target)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("closing store client")
		}
	}()

	exec := NewExecutor(job.Label(), job.Settings, gen, client, sink, done, obs)
	return exec.Run(ctx, job.Commands)
}

// nopSink discards measurements of sections that run outside the measured
// window.
type nopSink struct{}

func (nopSink) Log(string, map[string]int64)        {}
func (nopSink) MergeLatency(*hdrhistogram.Snapshot) {}

type nopObserver struct{}

func (nopObserver) ObserveWrite(string, string, time.Duration) {}
func (nopObserver) RecordWriteError(string)                    {}

// --- Subprocess worker side ---

// ExitReport is the last message a worker subprocess sends.
type ExitReport struct {
	Errors []string `json:"errors,omitempty"`
}

// WriteReport carries the write observations a worker subprocess made since
// its previous report, so the orchestrator can record them in its metrics.
type WriteReport struct {
	Durations []WriteDurations `json:"durations,omitempty"`
	Errors    map[string]int64 `json:"errors,omitempty"`
}

// WriteDurations are the successful write durations of one operation and
// batch method, in seconds.
type WriteDurations struct {
	Operation   string    `json:"operation"`
	BatchMethod string    `json:"batch_method"`
	Seconds     []float64 `json:"seconds"`
}

func (r *WriteReport) ObserveWrite(operation, batchMethod string, d time.Duration) {
	for i := range r.Durations {
		w := &r.Durations[i]
		if w.Operation == operation && w.BatchMethod == batchMethod {
			w.Seconds = append(w.Seconds, d.Seconds())
			return
		}
	}
	r.Durations = append(r.Durations, WriteDurations{Operation: operation, BatchMethod: batchMethod, Seconds: []float64{d.Seconds()}})
}

func (r *WriteReport) RecordWriteError(operation string) {
	if r.Errors == nil {
		r.Errors = make(map[string]int64)
	}
	r.Errors[operation]++
}

// Len is the number of observations in the report.
func (r *WriteReport) Len() int {
	n := 0
	for _, w := range r.Durations {
		n += len(w.Seconds)
	}
	for _, c := range r.Errors {
		n += int(c)
	}
	return n
}

// Replay records every observation of the report in obs.
func (r *WriteReport) Replay(obs WriteObserver) {
	for _, w := range r.Durations {
		for _, sec := range w.Seconds {
			obs.ObserveWrite(w.Operation, w.BatchMethod, time.Duration(sec*float64(time.Second)))
		}
	}
	for op, n := range r.Errors {
		for i := int64(0); i < n; i++ {
			obs.RecordWriteError(op)
		}
	}
}

const (
	writeReportSize     = 1000
	writeReportInterval = time.Second
)

// ipcWrites batches write observations into WriteReports. A report is sent
// once it holds writeReportSize observations, every writeReportInterval and
// on Flush.
type ipcWrites struct {
	enc *ipc.Encoder
	log *log.Entry

	mu      sync.Mutex
	pending WriteReport
}

func (w *ipcWrites) ObserveWrite(operation, batchMethod string, d time.Duration) {
	w.mu.Lock()
	w.pending.ObserveWrite(operation, batchMethod, d)
	full := w.pending.Len() >= writeReportSize
	w.mu.Unlock()
	if full {
		w.Flush()
	}
}

func (w *ipcWrites) RecordWriteError(operation string) {
	w.mu.Lock()
	w.pending.RecordWriteError(operation)
	w.mu.Unlock()
}

func (w *ipcWrites) Flush() {
	w.mu.Lock()
	report := w.pending
	w.pending = WriteReport{}
	w.mu.Unlock()
	if report.Len() == 0 {
		return
	}
	if err := w.enc.Send(ipc.MsgWrites, report); err != nil {
		w.log.WithError(err).Error("sending write report")
	}
}

func (w *ipcWrites) run(ctx context.Context) {
	ticker := time.NewTicker(writeReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Flush()
		}
	}
}

type ipcSink struct {
	enc *ipc.Encoder
	log *log.Entry
}

func (s ipcSink) Log(instance string, counters map[string]int64) {
	ev := stats.Event{Timestamp: time.Now(), Instance: instance, Counters: counters}
	if err := s.enc.Send(ipc.MsgEvent, ev); err != nil {
		s.log.WithError(err).Error("sending stats event")
	}
}

func (s ipcSink) MergeLatency(snap *hdrhistogram.Snapshot) {
	if err := s.enc.Send(ipc.MsgLatency, snap); err != nil {
		s.log.WithError(err).Error("sending latency snapshot")
	}
}

// ServeWorker is the body of a worker subprocess. It reads its Job from in,
// streams events and write reports back on out and stops early when the
// orchestrator sends done. Losing the orchestrator (in closing) cancels the
// job.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, connect Connector) error {
	dec := ipc.NewDecoder(in)
	enc := ipc.NewEncoder(out)

	msg, err := dec.Receive()
	if err != nil {
		return errors.Wrap(err, "waiting for job")
	}
	if msg.ID != ipc.MsgJob {
		return errors.Errorf("expected %q message, got %q", ipc.MsgJob, msg.ID)
	}
	var job Job
	if err := msg.Decode(&job); err != nil {
		return err
	}
	logger := log.WithField("worker", job.Label())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := stats.NewDoneFlag()
	go func() {
		for {
			msg, err := dec.Receive()
			if err != nil {
				if err != io.EOF {
					logger.WithError(err).Error("reading from orchestrator")
				}
				logger.Warn("orchestrator went away, stopping")
				done.Set(stats.ReasonCancelled)
				cancel()
				return
			}
			if msg.ID == ipc.MsgDone {
				var reason stats.Reason
				if err := msg.Decode(&reason); err != nil {
					logger.WithError(err).Debug("reading done reason")
				}
				logger.Debugf("run done (%s)", reason)
				done.Set(reason)
			}
		}
	}()

	writes := &ipcWrites{enc: enc, log: logger}
	flushCtx, stopFlush := context.WithCancel(ctx)
	go writes.run(flushCtx)
	jobErr := RunJob(ctx, job, connect, ipcSink{enc: enc, log: logger}, done, writes)
	stopFlush()
	writes.Flush()
	if jobErr == nil && ctx.Err() != nil {
		jobErr = errors.Wrap(ctx.Err(), "job interrupted")
	}

	var report ExitReport
	if merr, ok := jobErr.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			report.Errors = append(report.Errors, e.Error())
		}
	} else if jobErr != nil {
		report.Errors = append(report.Errors, jobErr.Error())
	}
	if err := enc.Send(ipc.MsgExit, report); err != nil {
		return err
	}
	return jobErr
}
