package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"docbench/internal/ipc"
	"docbench/internal/metrics"
	"docbench/internal/stats"
)

// EventSink is what a launched worker reports into: the run's aggregator.
type EventSink interface {
	Sink
	LogEvent(ev stats.Event)
}

// Handle controls one running worker process.
type Handle interface {
	Label() string
	// Exited is closed once the worker has stopped.
	Exited() <-chan struct{}
	// Err is the worker's outcome; valid after Exited is closed.
	Err() error
	// Terminate stops the worker without waiting for in-flight writes.
	Terminate() error
}

type Launcher interface {
	Launch(ctx context.Context, job Job, sink EventSink, done *stats.DoneFlag) (Handle, error)
}

type handle struct {
	label     string
	exited    chan struct{}
	err       error
	terminate func() error
}

func (h *handle) Label() string           { return h.label }
func (h *handle) Exited() <-chan struct{} { return h.exited }
func (h *handle) Err() error              { return h.err }
func (h *handle) Terminate() error        { return h.terminate() }

// --- In-process ---

// InprocLauncher runs each worker process as a goroutine group with its own
// corpora, store client and throttles.
type InprocLauncher struct {
	Connect Connector
	Metrics *metrics.Metrics
}

func (l InprocLauncher) Launch(ctx context.Context, job Job, sink EventSink, done *stats.DoneFlag) (Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{
		label:  job.Label(),
		exited: make(chan struct{}),
		terminate: func() error {
			cancel()
			return nil
		},
	}
	connect := l.Connect
	if connect == nil {
		connect = DefaultConnector
	}
	go func() {
		defer close(h.exited)
		defer cancel()
		h.err = RunJob(ctx, job, connect, sink, done, l.Metrics)
	}()
	return h, nil
}

// --- Subprocess ---

// SubprocessLauncher re-executes a binary that serves ServeWorker on its
// standard streams.
type SubprocessLauncher struct {
	Path string
	Args []string
	// Stderr receives the children's logs. Nil means os.Stderr.
	Stderr io.Writer
	// Metrics records the writes the children report.
	Metrics *metrics.Metrics
}

// SelfLauncher launches the running executable's hidden worker command.
func SelfLauncher(args ...string) (SubprocessLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return SubprocessLauncher{}, errors.Wrap(err, "locating executable")
	}
	return SubprocessLauncher{Path: path, Args: args}, nil
}

func (l SubprocessLauncher) Launch(ctx context.Context, job Job, sink EventSink, done *stats.DoneFlag) (Handle, error) {
	logger := log.WithField("worker", job.Label())
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", job.Label())
	}

	enc := ipc.NewEncoder(stdin)
	if err := enc.Send(ipc.MsgJob, job); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.Wrapf(err, "sending job to %s", job.Label())
	}

	h := &handle{
		label:     job.Label(),
		exited:    make(chan struct{}),
		terminate: func() error { return cmd.Process.Kill() },
	}

	// forward the done flag, or cancellation, to the child
	var closeOnce sync.Once
	closeStdin := func() { closeOnce.Do(func() { _ = stdin.Close() }) }
	go func() {
		select {
		case <-done.C():
			if err := enc.Send(ipc.MsgDone, done.Reason()); err != nil {
				logger.WithError(err).Debug("forwarding done")
			}
		case <-ctx.Done():
			closeStdin()
		case <-h.exited:
		}
	}()

	go func() {
		defer close(h.exited)
		defer closeStdin()
		var errs *multierror.Error
		if err := relay(ipc.NewDecoder(stdout), sink, l.Metrics, logger, &errs); err != nil {
			errs = multierror.Append(errs, err)
			_ = cmd.Process.Kill()
		}
		if err := cmd.Wait(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "%s exited", job.Label()))
		}
		h.err = errs.ErrorOrNil()
	}()
	return h, nil
}

// relay copies a child's messages into sink and obs until the child closes
// stdout. Reading stops while the sink blocks, which stalls the child's
// writers.
func relay(dec *ipc.Decoder, sink EventSink, obs WriteObserver, logger *log.Entry, errs **multierror.Error) error {
	for {
		msg, err := dec.Receive()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.ID {
		case ipc.MsgEvent:
			var ev stats.Event
			if err := msg.Decode(&ev); err != nil {
				return err
			}
			sink.LogEvent(ev)
		case ipc.MsgLatency:
			var snap hdrhistogram.Snapshot
			if err := msg.Decode(&snap); err != nil {
				return err
			}
			sink.MergeLatency(&snap)
		case ipc.MsgWrites:
			var report WriteReport
			if err := msg.Decode(&report); err != nil {
				return err
			}
			if obs != nil {
				report.Replay(obs)
			}
		case ipc.MsgExit:
			var report ExitReport
			if err := msg.Decode(&report); err != nil {
				return err
			}
			for _, e := range report.Errors {
				*errs = multierror.Append(*errs, errors.New(e))
			}
		default:
			logger.Warnf("ignoring unexpected %q message", msg.ID)
		}
	}
}
