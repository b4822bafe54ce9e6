// Package tui is the interactive dashboard of a running testcase.
package tui

import (
	"context"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"docbench/internal/runner"
	"docbench/internal/stats"
	"docbench/internal/tui/live"
	"docbench/internal/tui/result"
	"docbench/internal/tui/styles"
)

// Testcase is the part of a runner.Testcase the dashboard reads.
type Testcase interface {
	Subscribe() <-chan stats.IntervalResult
	Summary() stats.Summary
	Errors() error
}

type runFinishedMsg struct{ err error }

type intervalsClosedMsg struct{}

type Model struct {
	Live   live.Model
	Result result.Model

	tc        Testcase
	updates   runner.ProgressChan
	intervals <-chan stats.IntervalResult
	run       func() error
	cancel    context.CancelFunc

	Stopping bool
	Finished bool
	Err      error
}

// NewModel wires a dashboard to tc. run executes the testcase and is called
// once from Init; cancel stops it early.
func NewModel(title string, tc Testcase, updates runner.ProgressChan, run func() error, cancel context.CancelFunc) Model {
	return Model{
		Live:      live.NewModel(title),
		Result:    result.NewModel(title, stats.Summary{}),
		tc:        tc,
		updates:   updates,
		intervals: tc.Subscribe(),
		run:       run,
		cancel:    cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.startRun(), m.waitForProgress(), m.waitForInterval())
}

func (m Model) startRun() tea.Cmd {
	return func() tea.Msg {
		return runFinishedMsg{err: m.run()}
	}
}

func (m Model) waitForProgress() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m Model) waitForInterval() tea.Cmd {
	return func() tea.Msg {
		r, ok := <-m.intervals
		if !ok {
			return intervalsClosedMsg{}
		}
		return r
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.Finished || m.Stopping {
				return m, tea.Quit
			}
			m.Stopping = true
			m.cancel()
			return m, nil
		}

	case tea.WindowSizeMsg:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		m.Result, _ = m.Result.Update(msg)
		return m, cmd

	case runner.Progress:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		if m.Finished {
			return m, cmd
		}
		return m, tea.Batch(cmd, m.waitForProgress())

	case stats.IntervalResult:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, tea.Batch(cmd, m.waitForInterval())

	case intervalsClosedMsg:
		return m, nil

	case runFinishedMsg:
		m.Finished = true
		m.Err = msg.err
		if m.Err == nil {
			m.Err = m.tc.Errors()
		}
		m.Result.Summary = m.tc.Summary()
		m.Result.Err = m.Err
		return m, nil
	}

	var cmd tea.Cmd
	m.Live, cmd = m.Live.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.Finished {
		return m.Result.View() + "\n"
	}
	footer := styles.RenderKey("q", "stop the run")
	if m.Stopping {
		footer = styles.Warn.Render("stopping, waiting for workers and cleanup...")
	}
	return m.Live.View() + "\n\n" + footer + "\n"
}

// RunTestcase runs a testcase behind the dashboard and returns once both the
// run and the program have ended. run must honour ctx.
func RunTestcase(ctx context.Context, title string, tc Testcase, updates runner.ProgressChan, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var started atomic.Bool
	finished := make(chan error, 1)
	runOnce := func() error {
		started.Store(true)
		err := run(ctx)
		finished <- err
		return err
	}

	model := NewModel(title, tc, updates, runOnce, cancel)
	_, progErr := tea.NewProgram(model, tea.WithAltScreen()).Run()

	// the program may quit while the run is still cleaning up
	cancel()
	if !started.Load() {
		return progErr
	}
	select {
	case err := <-finished:
		if progErr != nil {
			return progErr
		}
		return err
	case <-time.After(time.Minute):
		return context.DeadlineExceeded
	}
}
