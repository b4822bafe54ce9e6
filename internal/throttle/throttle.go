package throttle

import (
	"context"
	"sync"
	"time"
)

// Throttle spaces successive Wait returns by a fixed interval. Callers
// sharing one Throttle contend for the next slot; there is no queueing order.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func New() *Throttle {
	return &Throttle{}
}

// SetRate configures pacing from an aggregate target. opsPerSecond is the
// rate summed over every producer, each dispatching batchSize operations per
// Wait, so each producer is allowed one Wait every
// batchSize*producers/opsPerSecond seconds. A non-positive rate disables
// throttling.
func (t *Throttle) SetRate(opsPerSecond float64, batchSize, producers int) {
	if batchSize < 1 {
		batchSize = 1
	}
	if producers < 1 {
		producers = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if opsPerSecond <= 0 {
		t.interval = 0
		return
	}
	seconds := float64(batchSize*producers) / opsPerSecond
	t.interval = time.Duration(seconds * float64(time.Second))
}

func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Wait blocks until the interval has elapsed since the previous return. It
// returns the context error if ctx ends first; the slot is not consumed then.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.interval == 0 {
			t.mu.Unlock()
			return ctx.Err()
		}
		now := time.Now()
		next := t.last.Add(t.interval)
		if !now.Before(next) {
			t.last = now
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
