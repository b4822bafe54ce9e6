package stats

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	log "github.com/sirupsen/logrus"

	"docbench/internal/metrics"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultDumpDelay   = 2 * time.Second
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultQueueSize   = 500

	headerEvery = 10
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	Interval    time.Duration
	DumpDelay   time.Duration
	PollTimeout time.Duration
	QueueSize   int

	// Zero disables the corresponding budget.
	MaxIterations int64
	MaxTime       time.Duration

	// Console receives the progress table. Nil discards it.
	Console io.Writer
	Clock   Clock
	Metrics *metrics.Metrics
	Logger  *log.Entry
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.DumpDelay <= 0 {
		o.DumpDelay = DefaultDumpDelay
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Console == nil {
		o.Console = io.Discard
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = log.WithField("component", "stats")
	}
}

// Aggregator buckets insert counters by time interval and decides when a run
// is done. Producers only talk to it through Log; the bucket map is owned by
// the aggregation loop.
type Aggregator struct {
	opts    Options
	log     *log.Entry
	queue   chan Event
	done    *DoneFlag
	latency *SafeHistogram

	startOnce  sync.Once
	endOnce    sync.Once
	finishOnce sync.Once
	stop       chan struct{}
	loopDone   chan struct{}
	stopped    chan struct{}

	total atomic.Int64
	late  atomic.Int64

	// loop-owned
	buckets   map[int64]int64
	lastShown int64
	maxIndex  int64
	printed   int

	mu       sync.Mutex
	start    time.Time
	end      time.Time
	results  []IntervalResult
	reported int64
	subs     []chan IntervalResult
}

func NewAggregator(opts Options) *Aggregator {
	opts.setDefaults()
	return &Aggregator{
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan Event, opts.QueueSize),
		done:     NewDoneFlag(),
		latency:  NewSafeHistogram(),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
		buckets:  make(map[int64]int64),
	}
}

func (a *Aggregator) Done() *DoneFlag { return a.done }

// Start records the run start time and launches the aggregation loop. The
// loop stops when ctx is cancelled (marking the run done) or on Finish.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		now := a.opts.Clock.Now()
		a.mu.Lock()
		a.start = now
		a.mu.Unlock()

		a.lastShown = a.index(now) - 1
		a.maxIndex = a.lastShown
		go a.loop(ctx)
	})
}

// End records the end time. Only the first call has an effect.
func (a *Aggregator) End() {
	a.endOnce.Do(func() {
		a.mu.Lock()
		a.end = a.opts.Clock.Now()
		a.mu.Unlock()
	})
}

// Log enqueues a counter update stamped with the current time.
func (a *Aggregator) Log(instance string, counters map[string]int64) {
	a.LogEvent(Event{Timestamp: a.opts.Clock.Now(), Instance: instance, Counters: counters})
}

// LogEvent enqueues ev. When the queue is full it warns and blocks until there
// is room; events are only dropped once the aggregator has finished.
func (a *Aggregator) LogEvent(ev Event) {
	select {
	case <-a.stopped:
		a.dropped(ev)
		return
	default:
	}

	select {
	case a.queue <- ev:
		a.opts.Metrics.SetQueueDepth(len(a.queue))
		return
	default:
	}

	a.log.Warnf("stats queue is full (%d events), producer blocked", cap(a.queue))
	a.opts.Metrics.RecordQueueFull()
	select {
	case a.queue <- ev:
	case <-a.stopped:
		a.dropped(ev)
	}
}

func (a *Aggregator) dropped(ev Event) {
	a.log.Warnf("dropping %s event %v logged after stats aggregation finished", ev.Instance, ev.Counters)
}

// MergeLatency folds a worker's write-latency histogram into the run's.
func (a *Aggregator) MergeLatency(s *hdrhistogram.Snapshot) {
	if dropped := a.latency.Merge(s); dropped > 0 {
		a.log.Debugf("%d latency samples outside histogram range", dropped)
	}
}

// Subscribe returns a channel receiving every IntervalResult as it is
// reported. Slow subscribers miss results rather than stall the loop. The
// channel is closed by Finish.
func (a *Aggregator) Subscribe() <-chan IntervalResult {
	ch := make(chan IntervalResult, 64)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, ch)
	return ch
}

// Finish stops the loop, folds every queued event and reports every bucket
// not yet reported, up to the newest bucket holding data or the end time,
// whichever is later. Call it after all producers have stopped.
func (a *Aggregator) Finish() Summary {
	a.finishOnce.Do(func() {
		a.End()
		a.Start(context.Background())
		close(a.stop)
		<-a.loopDone
		close(a.stopped)

		for drained := false; !drained; {
			select {
			case ev := <-a.queue:
				a.fold(ev)
			default:
				drained = true
			}
		}

		last, _ := a.endIndex()
		a.emitUpTo(last)

		a.mu.Lock()
		for _, ch := range a.subs {
			close(ch)
		}
		a.subs = nil
		a.mu.Unlock()

		if late := a.late.Load(); late > 0 {
			a.log.Warnf("%d events arrived after their interval was reported; they are counted in the total only", late)
		}
	})
	return a.Summary()
}

func (a *Aggregator) loop(ctx context.Context) {
	defer close(a.loopDone)
	a.log.Info("starting stats monitor")
	defer a.log.Info("ending stats monitor")

	ctxDone := ctx.Done()
	timer := time.NewTimer(a.opts.PollTimeout)
	defer timer.Stop()

	lag := a.opts.Interval + a.opts.DumpDelay
	for {
		now := a.opts.Clock.Now()
		target := a.index(now.Add(-lag))
		if last, ended := a.endIndex(); ended && target > last {
			target = last
		}
		a.emitUpTo(target)
		a.checkTime(now)

		timer.Reset(a.opts.PollTimeout)
		select {
		case ev := <-a.queue:
			a.fold(ev)
			a.opts.Metrics.SetQueueDepth(len(a.queue))
		case <-timer.C:
		case <-ctxDone:
			ctxDone = nil
			if a.done.Set(ReasonCancelled) {
				a.log.Info("run cancelled")
			}
		case <-a.stop:
			return
		}
	}
}

func (a *Aggregator) index(t time.Time) int64 {
	return t.UnixNano() / a.opts.Interval.Nanoseconds()
}

// endIndex is the last bucket of an ended run: the one holding the end time
// or the newest bucket with data, whichever is later.
func (a *Aggregator) endIndex() (int64, bool) {
	a.mu.Lock()
	end := a.end
	a.mu.Unlock()
	if end.IsZero() {
		return 0, false
	}
	last := a.index(end)
	if a.maxIndex > last {
		last = a.maxIndex
	}
	return last, true
}

func (a *Aggregator) fold(ev Event) {
	idx := a.index(ev.Timestamp)
	if ev.Instance != InstanceInsert {
		return
	}
	n := ev.Counters[CounterInserts]
	if idx <= a.lastShown {
		a.late.Add(1)
		a.opts.Metrics.RecordLateEvent()
		a.log.Warnf("late event for interval ending %s (%d inserts)", a.bucketEnd(idx).Format(labelTime), n)
	} else {
		a.buckets[idx] += n
		if idx > a.maxIndex {
			a.maxIndex = idx
		}
	}

	total := a.total.Add(n)
	a.opts.Metrics.AddInserts(n)
	if a.opts.MaxIterations > 0 && total >= a.opts.MaxIterations {
		if a.done.Set(ReasonMaxIterations) {
			a.log.Infof("reached %d iterations", total)
		}
	}
}

func (a *Aggregator) checkTime(now time.Time) {
	if a.opts.MaxTime <= 0 || a.done.IsSet() {
		return
	}
	a.mu.Lock()
	elapsed := now.Sub(a.start)
	a.mu.Unlock()
	if elapsed > a.opts.MaxTime {
		if a.done.Set(ReasonMaxTime) {
			a.log.Infof("reached max time of %s", a.opts.MaxTime)
		}
	}
}

func (a *Aggregator) bucketEnd(idx int64) time.Time {
	return time.Unix(0, (idx+1)*a.opts.Interval.Nanoseconds())
}

func (a *Aggregator) emitUpTo(target int64) {
	for idx := a.lastShown + 1; idx <= target; idx++ {
		a.emit(idx)
	}
}

func (a *Aggregator) emit(idx int64) {
	count := a.buckets[idx]
	delete(a.buckets, idx)
	a.lastShown = idx

	end := a.bucketEnd(idx)

	a.mu.Lock()
	since := end.Sub(a.start)
	span := a.opts.Interval
	if since < span {
		span = since
	}
	a.reported += count
	r := IntervalResult{
		Index:      idx,
		End:        end,
		Label:      end.Format(labelTime),
		Elapsed:    int64(since / time.Second),
		Count:      count,
		Cumulative: a.reported,
	}
	if span > 0 {
		r.Rate = float64(count) / span.Seconds()
	}
	if since > 0 {
		r.CumulativeRate = float64(a.reported) / since.Seconds()
	}
	a.results = append(a.results, r)
	for _, ch := range a.subs {
		select {
		case ch <- r:
		default:
		}
	}
	a.mu.Unlock()

	if a.printed%headerEvery == 0 {
		fmt.Fprintln(a.opts.Console, Header)
	}
	fmt.Fprintln(a.opts.Console, r.Line())
	a.printed++
	a.opts.Metrics.SetIntervalRate(r.Rate)
}

// Results returns a copy of the IntervalResults reported so far.
func (a *Aggregator) Results() []IntervalResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]IntervalResult(nil), a.results...)
}

// Total is the number of inserts folded so far, including late events.
func (a *Aggregator) Total() int64 {
	return a.total.Load()
}

func (a *Aggregator) StartTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start
}

// Summary describes the run so far; after Finish it is final.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	s := Summary{
		Start:      a.start,
		End:        a.end,
		Reason:     a.done.Reason(),
		Total:      a.total.Load(),
		Reported:   a.reported,
		LateEvents: a.late.Load(),
		Intervals:  len(a.results),
	}
	a.mu.Unlock()

	if s.End.IsZero() {
		s.End = a.opts.Clock.Now()
	}
	if d := s.Duration().Seconds(); d > 0 {
		s.Rate = float64(s.Total) / d
	}
	s.Latency = a.latency.Latency()
	return s
}
