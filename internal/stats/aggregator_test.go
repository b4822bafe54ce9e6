package stats

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(unixSeconds int64) *fakeClock {
	return &fakeClock{now: time.Unix(unixSeconds, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(unixSeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(unixSeconds, 0)
}

func newTestAggregator(clock Clock, mutate func(*Options)) *Aggregator {
	opts := Options{
		Interval:    5 * time.Second,
		DumpDelay:   2 * time.Second,
		PollTimeout: time.Millisecond,
		Clock:       clock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewAggregator(opts)
}

func waitForTotal(t *testing.T, a *Aggregator, want int64) {
	t.Helper()
	require.Eventually(t, func() bool { return a.Total() == want }, 2*time.Second, time.Millisecond)
}

func TestAggregator_CumulativeAndTruncatedFirstInterval(t *testing.T) {
	clock := newFakeClock(5002) // two seconds into the bucket ending at 5005
	a := newTestAggregator(clock, nil)
	a.Start(context.Background())

	a.Log(InstanceInsert, map[string]int64{CounterInserts: 10})
	waitForTotal(t, a, 10)
	clock.Set(5006)
	a.Log(InstanceInsert, map[string]int64{CounterInserts: 20})
	waitForTotal(t, a, 30)
	clock.Set(5011)
	a.Log(InstanceInsert, map[string]int64{CounterInserts: 30})
	waitForTotal(t, a, 60)

	summary := a.Finish()
	results := a.Results()
	require.Len(t, results, 3)

	assert.Equal(t, int64(10), results[0].Count)
	assert.InDelta(t, 10.0/3.0, results[0].Rate, 1e-9)
	assert.Equal(t, int64(3), results[0].Elapsed)
	assert.Equal(t, time.Unix(5005, 0).Format("2006-01-02 15:04:05"), results[0].Label)

	assert.Equal(t, int64(20), results[1].Count)
	assert.InDelta(t, 4.0, results[1].Rate, 1e-9)
	assert.InDelta(t, 30.0/8.0, results[1].CumulativeRate, 1e-9)

	assert.Equal(t, int64(30), results[2].Count)
	assert.InDelta(t, 6.0, results[2].Rate, 1e-9)
	assert.Equal(t, int64(13), results[2].Elapsed)

	var sum int64
	for _, r := range results {
		sum += r.Count
		assert.Equal(t, sum, r.Cumulative)
	}
	assert.Equal(t, int64(60), summary.Total)
	assert.Equal(t, int64(60), summary.Reported)
	assert.Zero(t, summary.LateEvents)
}

func TestAggregator_EmitsEmptyBucketsAndRepeatsHeader(t *testing.T) {
	var console bytes.Buffer
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, func(o *Options) { o.Console = &console })
	a.Start(context.Background())

	clock.Set(5064)
	a.Finish()

	results := a.Results()
	require.Len(t, results, 13)
	for i, r := range results {
		assert.Equal(t, int64(1000+i), r.Index)
		assert.Zero(t, r.Count)
	}

	out := console.String()
	assert.Equal(t, 2, strings.Count(out, Header))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 15)
	assert.Equal(t, results[0].Line(), lines[1])
}

func TestAggregator_MaxIterationsSetsDoneOnce(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, func(o *Options) {
		o.MaxIterations = 100
		o.MaxTime = 10 * time.Second
	})
	a.Start(context.Background())
	assert.False(t, a.Done().IsSet())

	a.Log(InstanceInsert, map[string]int64{CounterInserts: 60})
	waitForTotal(t, a, 60)
	assert.False(t, a.Done().IsSet())

	a.Log(InstanceInsert, map[string]int64{CounterInserts: 60})
	select {
	case <-a.Done().C():
	case <-time.After(2 * time.Second):
		t.Fatal("done not set")
	}
	assert.Equal(t, ReasonMaxIterations, a.Done().Reason())

	// the time budget passing later does not change anything
	clock.Set(5100)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, a.Done().IsSet())
	assert.Equal(t, ReasonMaxIterations, a.Done().Reason())

	summary := a.Finish()
	assert.Equal(t, ReasonMaxIterations, summary.Reason)
	assert.Equal(t, int64(120), summary.Total)
}

func TestAggregator_MaxTime(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, func(o *Options) { o.MaxTime = 10 * time.Second })
	a.Start(context.Background())

	clock.Set(5010)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, a.Done().IsSet())

	clock.Set(5011)
	require.Eventually(t, a.Done().IsSet, 2*time.Second, time.Millisecond)
	assert.Equal(t, ReasonMaxTime, a.Done().Reason())
	a.Finish()
}

func TestAggregator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newTestAggregator(newFakeClock(5000), nil)
	a.Start(ctx)
	cancel()
	require.Eventually(t, a.Done().IsSet, 2*time.Second, time.Millisecond)
	assert.Equal(t, ReasonCancelled, a.Done().Reason())
	a.Finish()
}

func TestAggregator_BackpressureLosesNothing(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, func(o *Options) { o.QueueSize = 2 })

	const producers, perProducer = 4, 50
	var logged atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				a.Log(InstanceInsert, map[string]int64{CounterInserts: 1})
				logged.Add(1)
			}
		}()
	}

	// nothing consumes until Start, so producers block once the queue fills
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, logged.Load(), int64(2))

	a.Start(context.Background())
	wg.Wait()
	summary := a.Finish()

	assert.Equal(t, int64(producers*perProducer), summary.Total)
	assert.Equal(t, int64(producers*perProducer), summary.Reported)
	require.NotEmpty(t, a.Results())
	assert.Equal(t, summary.Total, a.Results()[len(a.Results())-1].Cumulative)
}

func TestAggregator_LateEventCountsInTotalOnly(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, nil)
	a.Start(context.Background())

	clock.Set(5020)
	require.Eventually(t, func() bool { return len(a.Results()) == 3 }, 2*time.Second, time.Millisecond)

	a.LogEvent(Event{Timestamp: time.Unix(5001, 0), Instance: InstanceInsert, Counters: map[string]int64{CounterInserts: 7}})
	waitForTotal(t, a, 7)
	summary := a.Finish()

	assert.Equal(t, int64(7), summary.Total)
	assert.Zero(t, summary.Reported)
	assert.Equal(t, int64(1), summary.LateEvents)
	for _, r := range a.Results() {
		assert.Zero(t, r.Count)
	}
}

func TestAggregator_StopsReportingAtEnd(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, nil)
	a.Start(context.Background())

	clock.Set(5003)
	a.Log(InstanceInsert, map[string]int64{CounterInserts: 100})
	waitForTotal(t, a, 100)
	clock.Set(5010)
	a.End()

	// a slow join or cleanup keeps the run open long after End
	clock.Set(5070)
	require.Eventually(t, func() bool { return len(a.Results()) == 3 }, 2*time.Second, time.Millisecond)
	require.Never(t, func() bool { return len(a.Results()) > 3 }, 50*time.Millisecond, time.Millisecond)

	summary := a.Finish()
	results := a.Results()
	require.Len(t, results, 3)
	assert.Equal(t, int64(1002), results[2].Index)
	assert.Equal(t, int64(100), results[2].Cumulative)
	assert.InDelta(t, 100.0/15.0, results[2].CumulativeRate, 1e-9)
	assert.Equal(t, int64(100), summary.Reported)
}

func TestAggregator_IgnoresOtherInstances(t *testing.T) {
	a := newTestAggregator(newFakeClock(5000), func(o *Options) { o.MaxIterations = 1 })
	a.Start(context.Background())
	a.Log("index", map[string]int64{CounterInserts: 5})
	a.Log(InstanceInsert, map[string]int64{"other": 5})
	summary := a.Finish()
	assert.Zero(t, summary.Total)
	assert.False(t, a.Done().IsSet())
}

func TestAggregator_LogAfterFinishDoesNotBlock(t *testing.T) {
	a := newTestAggregator(newFakeClock(5000), func(o *Options) { o.QueueSize = 1 })
	a.Start(context.Background())
	a.Finish()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			a.Log(InstanceInsert, map[string]int64{CounterInserts: 1})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked after Finish")
	}
}

func TestAggregator_SubscribeAndLatency(t *testing.T) {
	clock := newFakeClock(5000)
	a := newTestAggregator(clock, nil)
	sub := a.Subscribe()
	a.Start(context.Background())

	worker := NewSafeHistogram()
	worker.RecordDuration(time.Millisecond)
	worker.RecordDuration(3 * time.Millisecond)
	a.MergeLatency(worker.Drain())
	assert.Zero(t, worker.TotalCount())

	clock.Set(5010)
	summary := a.Finish()

	var got []IntervalResult
	for r := range sub {
		got = append(got, r)
	}
	assert.Equal(t, a.Results(), got)
	assert.Equal(t, int64(2), summary.Latency.Count)
	assert.InDelta(t, 3.0, summary.Latency.Max, 0.01)
}

func TestDoneFlag_SetOnce(t *testing.T) {
	d := NewDoneFlag()
	assert.False(t, d.IsSet())
	assert.Equal(t, ReasonNone, d.Reason())

	assert.True(t, d.Set(ReasonMaxTime))
	assert.False(t, d.Set(ReasonCancelled))
	assert.True(t, d.IsSet())
	assert.Equal(t, ReasonMaxTime, d.Reason())

	select {
	case <-d.C():
	default:
		t.Fatal("channel not closed")
	}
}
