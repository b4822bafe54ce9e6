package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// SafeHistogram is a thread-safe wrapper around hdrhistogram
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	// 1us to 10min, 3 significant figures
	h := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	return &SafeHistogram{hist: h}
}

// RecordValue records a latency in microseconds
func (h *SafeHistogram) RecordValue(v int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.RecordValue(v)
}

// RecordDuration records d, clamped to the trackable range.
func (h *SafeHistogram) RecordDuration(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if max := h.hist.HighestTrackableValue(); us > max {
		us = max
	}
	_ = h.hist.RecordValue(us)
}

// Merge folds a snapshot exported by another process into h and returns the
// number of values that fell outside h's range.
func (h *SafeHistogram) Merge(s *hdrhistogram.Snapshot) int64 {
	if s == nil {
		return 0
	}
	from := hdrhistogram.Import(s)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Merge(from)
}

func (h *SafeHistogram) Export() *hdrhistogram.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Export()
}

// Drain exports the current counts and resets h, so successive drains carry
// disjoint data.
func (h *SafeHistogram) Drain() *hdrhistogram.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.hist.Export()
	s.Counts = append([]int64(nil), s.Counts...)
	h.hist.Reset()
	return s
}

func (h *SafeHistogram) ValueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtQuantile(q)
}

func (h *SafeHistogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Mean()
}

func (h *SafeHistogram) Max() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Max()
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Latency summarises a histogram in milliseconds.
type Latency struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

func (h *SafeHistogram) Latency() Latency {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Count: h.hist.TotalCount(),
		Mean:  h.hist.Mean() / 1000.0,
		P50:   float64(h.hist.ValueAtQuantile(50)) / 1000.0,
		P90:   float64(h.hist.ValueAtQuantile(90)) / 1000.0,
		P99:   float64(h.hist.ValueAtQuantile(99)) / 1000.0,
		Max:   float64(h.hist.Max()) / 1000.0,
	}
}
