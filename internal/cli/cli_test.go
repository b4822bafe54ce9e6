package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"docbench/internal/runner"
	"docbench/internal/stats"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----]", ProgressBar(0, 4))
	assert.Equal(t, "[██--]", ProgressBar(0.5, 4))
	assert.Equal(t, "[████]", ProgressBar(3, 4))
	assert.Equal(t, "[----]", ProgressBar(-1, 4))
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer
	PrintHeader(&buf, "mongo", "mongodb://localhost:27017/", runner.Config{
		Name: "iibench", Store: runner.StoreMongoDB, DBName: "pybench",
		ProcessCount: 2, ThreadsPerProcess: 4, WorkerMode: runner.WorkerModeSubprocess,
		MaxIterations: 1000, MaxTimeSeconds: 60, Rate: 500,
	})

	out := buf.String()
	assert.Contains(t, out, "STARTING TESTCASE iibench ON mongo")
	assert.Contains(t, out, "2 processes x 4 threads (subprocess)")
	assert.Contains(t, out, "1000 inserts or 1m0s")
	assert.Contains(t, out, "500 ops/s")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "mongo - iibench", stats.Summary{Total: 1000, Reason: stats.ReasonMaxIterations},
		[]string{"results/mongo - iibench.csv"}, errors.New("thread 3 failed"))

	out := buf.String()
	assert.Contains(t, out, "mongo - iibench")
	assert.Contains(t, out, "1000")
	assert.Contains(t, out, "max-iterations")
	assert.Contains(t, out, "thread 3 failed")
	assert.Contains(t, out, "results/mongo - iibench.csv")
}
