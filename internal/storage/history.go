package storage

import (
	"time"

	"docbench/internal/stats"
)

// RunRecord is one finished testcase run against one database.
type RunRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Database  string         `json:"database"`
	Testcase  string         `json:"testcase"`
	Config    map[string]any `json:"config,omitempty"`
	Summary   stats.Summary  `json:"summary"`
	Reports   []string       `json:"reports,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

// Failed reports whether any worker or cleanup error was recorded.
func (r RunRecord) Failed() bool {
	return len(r.Errors) > 0
}
