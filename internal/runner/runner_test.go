package runner

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbench/internal/ipc"
	"docbench/internal/stats"
	"docbench/internal/store/memstore"
	"docbench/internal/workload"
)

func baseTestcase() map[string]any {
	return map[string]any{
		"name":                       "t",
		"store":                      "memory",
		"worker-mode":                "inproc",
		"batch-method":               "single",
		"batch-size":                 1,
		"random-text-buffer-size":    4096,
		"random-bytes-buffer-size":   1024,
		"stats-interval-seconds":     0.1,
		"stats-dump-delay-seconds":   0.05,
		"done-check-interval-single": "10ms",
		"done-check-interval-batch":  "10ms",
		"single-flush-interval":      "5ms",
		"testing": map[string]any{
			"load": map[string]any{
				"operation":  "insert",
				"collection": "purchases",
				"doc": map[string]any{
					"price": map[string]any{"random-float": 500},
					"note":  map[string]any{"random-text": 50},
				},
			},
		},
	}
}

func parse(t *testing.T, tc map[string]any) Config {
	t.Helper()
	cfg, err := ParseConfig(tc)
	require.NoError(t, err)
	return cfg
}

func runTestcase(t *testing.T, cfg Config, deps Deps) *Testcase {
	t.Helper()
	tc := NewTestcase(cfg, deps)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, tc.Run(ctx, "memory://"))
	return tc
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg := parse(t, map[string]any{"testing": map[string]any{}})

	assert.Equal(t, "pybench", cfg.DBName)
	assert.Equal(t, 1, cfg.ProcessCount)
	assert.Equal(t, 1, cfg.ThreadsPerProcess)
	assert.Equal(t, 100000, cfg.RandomTextBufferSize)
	assert.Equal(t, WorkerModeSubprocess, cfg.WorkerMode)
	assert.Equal(t, StoreMongoDB, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout())
	assert.Equal(t, time.Second, cfg.DoneCheckSingle)
	assert.Equal(t, 5*time.Second, cfg.DoneCheckBatch)
	assert.Zero(t, cfg.MaxTime())
}

func TestParseConfig_DecodesOverrides(t *testing.T) {
	tc := baseTestcase()
	tc["process-count"] = 3
	tc["threads-per-process"] = "4"
	tc["max-time-seconds"] = 1.5
	tc["seed"] = 10
	cfg := parse(t, tc)

	assert.Equal(t, 3, cfg.ProcessCount)
	assert.Equal(t, 4, cfg.ThreadsPerProcess)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxTime())
	assert.Equal(t, 10*time.Millisecond, cfg.DoneCheckSingle)

	s := cfg.Settings(2)
	assert.Equal(t, 4, s.Threads)
	assert.Equal(t, 3, s.Producers)
	assert.Equal(t, int64(12), s.Seed)
	assert.Len(t, cfg.Spec.Commands(workload.SectionTesting), 1)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]func(map[string]any){
		"zero processes":   func(tc map[string]any) { tc["process-count"] = 0 },
		"negative rate":    func(tc map[string]any) { tc["rate"] = -1 },
		"worker mode":      func(tc map[string]any) { tc["worker-mode"] = "threads" },
		"store":            func(tc map[string]any) { tc["store"] = "postgres" },
		"unbounded startup": func(tc map[string]any) {
			tc["startup"] = map[string]any{"seed": map[string]any{
				"operation": "insert", "collection": "c", "doc": map[string]any{"a": 1},
			}}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			tc := baseTestcase()
			mutate(tc)
			_, err := ParseConfig(tc)
			assert.Error(t, err)
		})
	}
}

func TestTestcase_MaxIterationsCountsExactly(t *testing.T) {
	tc := baseTestcase()
	tc["max-iterations"] = 1000
	mem := memstore.New(memstore.Config{})

	run := runTestcase(t, parse(t, tc), Deps{Connect: sharedConnector(mem)})

	summary := run.Summary()
	assert.Equal(t, int64(1000), summary.Total)
	assert.Equal(t, int64(1000), summary.Reported)
	assert.Contains(t, []stats.Reason{stats.ReasonMaxIterations, stats.ReasonWorkersFinished}, summary.Reason)
	assert.Equal(t, 1000, mem.Counts().InsertOne)

	results := run.Results()
	require.NotEmpty(t, results)
	var sum int64
	for _, r := range results {
		sum += r.Count
	}
	assert.Equal(t, int64(1000), sum)
	assert.Equal(t, int64(1000), results[len(results)-1].Cumulative)
	assert.NoError(t, run.Errors())
}

func TestTestcase_BatchedProcessesAndThreads(t *testing.T) {
	tc := baseTestcase()
	tc["process-count"] = 2
	tc["threads-per-process"] = 3
	load := tc["testing"].(map[string]any)["load"].(map[string]any)
	load["batch-method"] = "array"
	load["batch-size"] = 20
	load["count"] = 100
	mem := memstore.New(memstore.Config{})

	run := runTestcase(t, parse(t, tc), Deps{Connect: sharedConnector(mem)})

	// six threads, each writing five full batches
	assert.Equal(t, 30, mem.Counts().InsertMany)
	assert.Equal(t, int64(600), run.Summary().Total)
	assert.Equal(t, stats.ReasonWorkersFinished, run.Summary().Reason)
}

func TestTestcase_MaxTimeStopsUnboundedWorkers(t *testing.T) {
	tc := baseTestcase()
	tc["max-time-seconds"] = 0.3
	tc["threads-per-process"] = 2
	mem := memstore.New(memstore.Config{Profile: memstore.ProfileFast})

	start := time.Now()
	run := runTestcase(t, parse(t, tc), Deps{Connect: sharedConnector(mem)})

	assert.Less(t, time.Since(start), 10*time.Second)
	summary := run.Summary()
	assert.Equal(t, stats.ReasonMaxTime, summary.Reason)
	assert.Positive(t, summary.Total)
	assert.Equal(t, int64(mem.Counts().InsertOne), summary.Total)
}

func TestTestcase_StartupAndCleanupRunOutsideMeasurement(t *testing.T) {
	tc := baseTestcase()
	tc["max-iterations"] = 50
	tc["startup"] = map[string]any{
		"indexes": map[string]any{
			"operation": "index",
			"indexes": map[string]any{
				"purchases": []any{map[string]any{"index": []any{[]any{"price", 1}}}},
			},
		},
	}
	tc["cleanup"] = map[string]any{
		"marker": map[string]any{
			"operation": "insert", "collection": "audit", "count": 3,
			"doc": map[string]any{"done": true},
		},
	}
	mem := memstore.New(memstore.Config{})

	run := runTestcase(t, parse(t, tc), Deps{Connect: sharedConnector(mem)})

	assert.Len(t, mem.Indexes("purchases"), 1)
	assert.Equal(t, 53, mem.Counts().InsertOne)
	assert.Equal(t, int64(50), run.Summary().Total)
}

func TestTestcase_StartupFailureAborts(t *testing.T) {
	tc := baseTestcase()
	tc["startup"] = map[string]any{
		"seed": map[string]any{
			"operation": "insert", "collection": "c", "count": 5,
			"doc": map[string]any{"a": 1},
		},
	}
	mem := memstore.New(memstore.Config{ErrorRate: 1})

	run := NewTestcase(parse(t, tc), Deps{Connect: sharedConnector(mem)})
	err := run.Run(context.Background(), "memory://")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup")
	assert.Zero(t, mem.Counts().InsertOne)
}

func TestTestcase_WorkerErrorsAreCollected(t *testing.T) {
	tc := baseTestcase()
	tc["max-iterations"] = 10
	tc["threads-per-process"] = 2
	mem := memstore.New(memstore.Config{ErrorRate: 1})

	run := runTestcase(t, parse(t, tc), Deps{Connect: sharedConnector(mem)})

	err := run.Errors()
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Zero(t, run.Summary().Total)
}

func TestTestcase_CancelStopsRun(t *testing.T) {
	tc := baseTestcase()
	run := NewTestcase(parse(t, tc), Deps{Connect: sharedConnector(memstore.New(memstore.Config{Profile: memstore.ProfileFast}))})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	require.NoError(t, run.Run(ctx, "memory://"))
	assert.Equal(t, stats.ReasonCancelled, run.Summary().Reason)
}

func TestTestcase_ProgressUpdates(t *testing.T) {
	tc := baseTestcase()
	tc["max-time-seconds"] = 0.5
	updates := make(ProgressChan, 100)

	run := runTestcase(t, parse(t, tc), Deps{
		Connect: sharedConnector(memstore.New(memstore.Config{Profile: memstore.ProfileFast})),
		Updates: updates,
	})

	require.NotEmpty(t, updates)
	var last Progress
	for len(updates) > 0 {
		last = <-updates
	}
	assert.True(t, last.Done)
	assert.Equal(t, stats.ReasonMaxTime, last.Reason)
	assert.Equal(t, run.Summary().Total, last.Total)
}

func TestTestcase_SubscribeAndConsole(t *testing.T) {
	tc := baseTestcase()
	tc["max-iterations"] = 200
	var console bytes.Buffer
	run := NewTestcase(parse(t, tc), Deps{
		Connect: sharedConnector(memstore.New(memstore.Config{})),
		Console: &console,
	})
	sub := run.Subscribe()

	require.NoError(t, run.Run(context.Background(), "memory://"))

	var streamed int64
	for r := range sub {
		streamed += r.Count
	}
	assert.Equal(t, int64(200), streamed)
	assert.Contains(t, console.String(), stats.Header)
}

// stuckLauncher starts workers that only stop when terminated.
type stuckLauncher struct {
	terminated atomic.Int32
}

func (l *stuckLauncher) Launch(_ context.Context, job Job, _ EventSink, _ *stats.DoneFlag) (Handle, error) {
	h := &handle{label: job.Label(), exited: make(chan struct{})}
	h.terminate = func() error {
		l.terminated.Add(1)
		close(h.exited)
		return nil
	}
	return h, nil
}

func TestTestcase_JoinTimeoutTerminatesStragglers(t *testing.T) {
	tc := baseTestcase()
	tc["process-count"] = 2
	tc["max-time-seconds"] = 0.2
	tc["join-timeout-seconds"] = 0.1
	launcher := &stuckLauncher{}

	run := NewTestcase(parse(t, tc), Deps{
		Launcher: launcher,
		Connect:  sharedConnector(memstore.New(memstore.Config{})),
	})
	start := time.Now()
	require.NoError(t, run.Run(context.Background(), "memory://"))

	assert.Equal(t, int32(2), launcher.terminated.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, stats.ReasonMaxTime, run.Summary().Reason)
}

func TestServeWorker_RoundTrip(t *testing.T) {
	parentIn, childOut := io.Pipe()
	childIn, parentOut := io.Pipe()
	mem := memstore.New(memstore.Config{})

	served := make(chan error, 1)
	go func() {
		defer childOut.Close()
		served <- ServeWorker(context.Background(), childIn, childOut, sharedConnector(mem))
	}()

	settings := testSettings()
	settings.Threads = 2
	job := Job{
		Worker:  4,
		Section: workload.SectionTesting,
		Target:  "memory://",
		Commands: []workload.Command{{
			Name: "load", Operation: workload.OpInsert, Collection: "c",
			BatchMethod: workload.BatchArray, BatchSize: 10, Doc: testDoc, Count: 55,
		}},
		Settings: settings,
	}
	enc := ipc.NewEncoder(parentOut)
	require.NoError(t, enc.Send(ipc.MsgJob, job))

	sink := &recordingSink{}
	obs := newRecordingObserver()
	var errs *multierror.Error
	require.NoError(t, relay(ipc.NewDecoder(parentIn), sink, obs, nil, &errs))
	require.NoError(t, <-served)
	_ = parentOut.Close()

	assert.NoError(t, errs.ErrorOrNil())
	assert.Equal(t, int64(110), sink.Inserts())
	assert.Equal(t, int64(12), sink.latency)
	assert.Equal(t, 12, obs.Writes("insert/array"))
	assert.Equal(t, 110, mem.Counts().Documents)
}

func TestServeWorker_ReportsErrorsAndHonoursDone(t *testing.T) {
	parentIn, childOut := io.Pipe()
	childIn, parentOut := io.Pipe()
	mem := memstore.New(memstore.Config{ErrorRate: 1})

	served := make(chan error, 1)
	go func() {
		defer childOut.Close()
		served <- ServeWorker(context.Background(), childIn, childOut, sharedConnector(mem))
	}()

	enc := ipc.NewEncoder(parentOut)
	require.NoError(t, enc.Send(ipc.MsgJob, Job{
		Section: workload.SectionTesting,
		Commands: []workload.Command{{
			Name: "load", Operation: workload.OpInsert, Collection: "c",
			BatchMethod: workload.BatchSingle, BatchSize: 1, Doc: testDoc, Count: 5,
		}},
		Settings: testSettings(),
	}))
	require.NoError(t, enc.Send(ipc.MsgDone, stats.ReasonMaxTime))

	obs := newRecordingObserver()
	var errs *multierror.Error
	require.NoError(t, relay(ipc.NewDecoder(parentIn), &recordingSink{}, obs, nil, &errs))
	assert.Error(t, <-served)
	_ = parentOut.Close()

	require.Error(t, errs.ErrorOrNil())
	assert.Contains(t, errs.Error(), "simulated server error")
	assert.Equal(t, 1, obs.Errors("insert"))
}
