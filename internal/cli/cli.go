// Package cli renders the headless view of a run: a header per testcase, the
// aggregator's progress table and a summary.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"docbench/internal/runner"
	"docbench/internal/stats"
	"docbench/internal/tui/live"
	"docbench/internal/tui/result"
)

const rule = "======================================================================"

func PrintHeader(w io.Writer, database, target string, cfg runner.Config) {
	fmt.Fprintf(w, "\n🚀 STARTING TESTCASE %s ON %s\n", cfg.Name, database)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Target      : %s (%s, db %s)\n", target, cfg.Store, cfg.DBName)
	fmt.Fprintf(w, "Workers     : %d processes x %d threads (%s)\n", cfg.ProcessCount, cfg.ThreadsPerProcess, cfg.WorkerMode)
	fmt.Fprintf(w, "Budget      : %s\n", budget(cfg))
	rate := "unthrottled"
	if cfg.Rate > 0 {
		rate = fmt.Sprintf("%.0f ops/s", cfg.Rate)
	}
	fmt.Fprintf(w, "Rate        : %s\n", rate)
	fmt.Fprintf(w, "Interval    : %.0fs (dump delay %.0fs)\n", cfg.StatsIntervalSeconds, cfg.StatsDumpDelaySeconds)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
}

func budget(cfg runner.Config) string {
	var parts []string
	if cfg.MaxIterations > 0 {
		parts = append(parts, fmt.Sprintf("%d inserts", cfg.MaxIterations))
	}
	if cfg.MaxTimeSeconds > 0 {
		parts = append(parts, cfg.MaxTime().String())
	}
	if len(parts) == 0 {
		return "until workers finish"
	}
	return strings.Join(parts, " or ")
}

func ProgressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

// Watch prints a one-line progress status to w for every update until ctx is
// done. Pass a writer other than the progress table's, usually stderr.
func Watch(ctx context.Context, w io.Writer, updates runner.ProgressChan) {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case p := <-updates:
			fmt.Fprintf(w, "\r%s %3.0f%% | %s | Inserts: %d | Rate: %.1f/s | Workers: %d   ",
				ProgressBar(live.Fraction(p), 20), live.Fraction(p)*100,
				p.Elapsed.Round(time.Second), p.Total, p.Rate, p.WorkersRunning)
		}
	}
}

func PrintSummary(w io.Writer, title string, sum stats.Summary, reports []string, runErr error) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, result.Render("📊 "+title, sum, reports, runErr))
	fmt.Fprintln(w)
}
