package stats

import (
	"fmt"
	"time"
)

// InstanceInsert is the instance name under which writers report their
// "inserts" counter. Only these events count toward the iteration budget.
const (
	InstanceInsert = "insert"
	CounterInserts = "inserts"
)

// Event is one counter update from a producer.
type Event struct {
	Timestamp time.Time        `json:"timestamp"`
	Instance  string           `json:"instance"`
	Counters  map[string]int64 `json:"counters"`
}

// IntervalResult is the reported throughput of one time bucket.
type IntervalResult struct {
	Index          int64     `json:"index"`
	End            time.Time `json:"end"`
	Label          string    `json:"time"`
	Elapsed        int64     `json:"elapsed_seconds"`
	Count          int64     `json:"interval_count"`
	Rate           float64   `json:"interval_rate"`
	Cumulative     int64     `json:"cumulative_count"`
	CumulativeRate float64   `json:"cumulative_rate"`
}

// Summary describes a finished run.
type Summary struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     Reason    `json:"reason"`
	Total      int64     `json:"total_inserts"`
	Reported   int64     `json:"reported_inserts"`
	LateEvents int64     `json:"late_events"`
	Rate       float64   `json:"rate"`
	Intervals  int       `json:"intervals"`
	Latency    Latency   `json:"latency"`
}

func (s Summary) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

const (
	Header    = "Time,              Elapsed (s),      Int,     Int/s,     Total,   Total/s"
	rowFormat = "%s,%10d,%10d,%10.1f,%10d,%10.1f"
	labelTime = "2006-01-02 15:04:05"
)

// Line renders r in the fixed-width progress format.
func (r IntervalResult) Line() string {
	return fmt.Sprintf(rowFormat, r.Label, r.Elapsed, r.Count, r.Rate, r.Cumulative, r.CumulativeRate)
}

// Line renders the trailing summary of a report.
func (s Summary) Line() string {
	return fmt.Sprintf("# total=%d reported=%d late=%d duration=%.1fs rate=%.1f/s reason=%s p50=%.2fms p99=%.2fms",
		s.Total, s.Reported, s.LateEvents, s.Duration().Seconds(), s.Rate, s.Reason, s.Latency.P50, s.Latency.P99)
}
