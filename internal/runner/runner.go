package runner

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"docbench/internal/metrics"
	"docbench/internal/stats"
	"docbench/internal/workload"
)

// forcedExitWait bounds how long a terminated worker may take to report its
// exit.
const forcedExitWait = 5 * time.Second

// Progress is a point-in-time view of a running testcase, sent over the
// Updates channel.
type Progress struct {
	Elapsed        time.Duration
	Total          int64
	Rate           float64
	MaxIterations  int64
	MaxTime        time.Duration
	WorkersRunning int
	Done           bool
	Reason         stats.Reason
}

// ProgressChan is the channel type
type ProgressChan chan Progress

// Deps are the collaborators of a Testcase. Zero values pick defaults.
type Deps struct {
	Launcher Launcher
	Connect  Connector
	Metrics  *metrics.Metrics
	// Console receives the aggregator's progress table.
	Console io.Writer
	// Updates receives Progress every tick; it is never blocked on.
	Updates ProgressChan
}

// Testcase sequences startup, the measured testing section and cleanup.
type Testcase struct {
	Cfg  Config
	deps Deps
	agg  *stats.Aggregator
	log  *log.Entry

	running atomic.Int64

	mu   sync.Mutex
	errs *multierror.Error
}

func NewTestcase(cfg Config, deps Deps) *Testcase {
	if deps.Connect == nil {
		deps.Connect = DefaultConnector
	}
	if deps.Launcher == nil {
		deps.Launcher = InprocLauncher{Connect: deps.Connect, Metrics: deps.Metrics}
	}
	opts := cfg.AggregatorOptions()
	opts.Console = deps.Console
	opts.Metrics = deps.Metrics
	opts.Logger = log.WithFields(log.Fields{"component": "stats", "testcase": cfg.Name})

	return &Testcase{
		Cfg:  cfg,
		deps: deps,
		agg:  stats.NewAggregator(opts),
		log:  log.WithField("testcase", cfg.Name),
	}
}

// Subscribe returns the IntervalResults as they are reported. Call it before
// Run.
func (t *Testcase) Subscribe() <-chan stats.IntervalResult {
	return t.agg.Subscribe()
}

// Run executes the testcase against target. Only a startup failure aborts
// the run; worker failures are logged and available from Errors.
func (t *Testcase) Run(ctx context.Context, target string) error {
	if err := t.runLocal(ctx, workload.SectionStartup, target); err != nil {
		return errors.Wrap(err, "startup")
	}

	t.agg.Start(ctx)
	tickCtx, stopTicks := context.WithCancel(ctx)
	t.StartTickLoop(tickCtx, 200*time.Millisecond)

	handles := t.launch(ctx, target)
	t.waitForDone(ctx, handles)
	t.agg.End()
	t.join(handles)
	stopTicks()

	// cleanup runs even when the run was cancelled
	if err := t.runLocal(context.WithoutCancel(ctx), workload.SectionCleanup, target); err != nil {
		t.addError(errors.Wrap(err, "cleanup"))
	}

	summary := t.agg.Finish()
	t.sendUpdate()
	t.log.WithFields(log.Fields{
		"total":  summary.Total,
		"rate":   summary.Rate,
		"reason": summary.Reason,
	}).Info("testcase finished")
	if err := t.Errors(); err != nil {
		t.log.WithError(err).Warn("workers reported errors")
	}
	return nil
}

// runLocal executes a section on a single thread in this process, outside
// the measured window.
func (t *Testcase) runLocal(ctx context.Context, section workload.Section, target string) error {
	commands := t.Cfg.Spec.Commands(section)
	if len(commands) == 0 {
		t.log.Debugf("no %s commands to process", section)
		return nil
	}
	t.log.Infof("processing %d %s commands", len(commands), section)
	settings := t.Cfg.Settings(0)
	settings.Threads = 1
	settings.Rate = 0
	job := Job{Section: section, Commands: commands, Target: target, Settings: settings}
	return RunJob(ctx, job, t.deps.Connect, nopSink{}, stats.NewDoneFlag(), t.deps.Metrics)
}

func (t *Testcase) launch(ctx context.Context, target string) []Handle {
	commands := t.Cfg.Spec.Commands(workload.SectionTesting)
	handles := make([]Handle, 0, t.Cfg.ProcessCount)
	for i := 0; i < t.Cfg.ProcessCount; i++ {
		job := Job{
			Worker:   i,
			Section:  workload.SectionTesting,
			Commands: commands,
			Target:   target,
			Settings: t.Cfg.Settings(i),
		}
		h, err := t.deps.Launcher.Launch(ctx, job, t.agg, t.agg.Done())
		if err != nil {
			t.log.WithError(err).Errorf("launching %s", job.Label())
			t.addError(err)
			continue
		}
		handles = append(handles, h)
	}
	t.running.Store(int64(len(handles)))
	t.deps.Metrics.SetWorkersRunning(len(handles))
	return handles
}

// waitForDone blocks until the aggregator declares the run done, every
// worker has exited on its own, or ctx is cancelled.
func (t *Testcase) waitForDone(ctx context.Context, handles []Handle) {
	allExited := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.Exited()
			t.deps.Metrics.SetWorkersRunning(int(t.running.Add(-1)))
		}
		close(allExited)
	}()

	done := t.agg.Done()
	select {
	case <-done.C():
	case <-allExited:
		if ctx.Err() != nil {
			done.Set(stats.ReasonCancelled)
		} else {
			done.Set(stats.ReasonWorkersFinished)
		}
	case <-ctx.Done():
		done.Set(stats.ReasonCancelled)
	}
	t.log.Infof("run done (%s)", done.Reason())
}

// join waits for each worker up to the join timeout and terminates
// stragglers.
func (t *Testcase) join(handles []Handle) {
	timeout := t.Cfg.JoinTimeout()
	for _, h := range handles {
		timer := time.NewTimer(timeout)
		select {
		case <-h.Exited():
			timer.Stop()
		case <-timer.C:
			t.log.Warn((&TerminationTimeout{Worker: h.Label(), Timeout: timeout}).Error())
			if err := h.Terminate(); err != nil {
				t.log.WithError(err).Errorf("terminating %s", h.Label())
			}
			select {
			case <-h.Exited():
			case <-time.After(forcedExitWait):
				t.log.Errorf("%s still running after termination, abandoning it", h.Label())
				continue
			}
		}
		if err := h.Err(); err != nil {
			t.addError(err)
		}
	}
}

func (t *Testcase) addError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = multierror.Append(t.errs, err)
}

// Errors returns every worker and cleanup error of the run, or nil.
func (t *Testcase) Errors() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs.ErrorOrNil()
}

// Results returns the IntervalResults reported so far.
func (t *Testcase) Results() []stats.IntervalResult {
	return t.agg.Results()
}

func (t *Testcase) Summary() stats.Summary {
	return t.agg.Summary()
}

// StartTickLoop starts a goroutine that pushes progress updates
func (t *Testcase) StartTickLoop(ctx context.Context, interval time.Duration) {
	if t.deps.Updates == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sendUpdate()
			}
		}
	}()
}

func (t *Testcase) sendUpdate() {
	if t.deps.Updates == nil {
		return
	}
	done := t.agg.Done()
	p := Progress{
		Elapsed:        time.Since(t.agg.StartTime()),
		Total:          t.agg.Total(),
		MaxIterations:  t.Cfg.MaxIterations,
		MaxTime:        t.Cfg.MaxTime(),
		WorkersRunning: int(t.running.Load()),
		Done:           done.IsSet(),
		Reason:         done.Reason(),
	}
	if s := p.Elapsed.Seconds(); s > 0 {
		p.Rate = float64(p.Total) / s
	}

	// Non-blocking send
	select {
	case t.deps.Updates <- p:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}
