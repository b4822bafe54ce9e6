package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docbench/internal/runner"
	"docbench/internal/stats"
	"docbench/internal/tui/components"
	"docbench/internal/tui/styles"
)

const recentRows = 10

// Model shows a running testcase: budget progress, a sparkline of interval
// rates and the most recent intervals.
type Model struct {
	Title    string
	State    runner.Progress
	Progress progress.Model
	RateLine components.Sparkline
	Table    table.Model

	intervals []stats.IntervalResult

	Width  int
	Height int
}

func NewModel(title string) Model {
	columns := []table.Column{
		{Title: "Time", Width: 19},
		{Title: "Elapsed", Width: 8},
		{Title: "Int", Width: 10},
		{Title: "Int/s", Width: 10},
		{Title: "Total", Width: 12},
		{Title: "Total/s", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(recentRows),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	return Model{
		Title:    title,
		Progress: progress.New(progress.WithDefaultGradient()),
		RateLine: components.NewSparkline(40, "Inserts/s per interval", styles.Active),
		Table:    t,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

// Fraction is how far the run is through its budget: the larger of the
// iteration and time fractions, or 0 for an unbounded run.
func Fraction(p runner.Progress) float64 {
	pct := 0.0
	if p.MaxIterations > 0 {
		pct = float64(p.Total) / float64(p.MaxIterations)
	}
	if p.MaxTime > 0 {
		if t := float64(p.Elapsed) / float64(p.MaxTime); t > pct {
			pct = t
		}
	}
	if pct > 1.0 || p.Done {
		pct = 1.0
	}
	return pct
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.Progress:
		m.State = msg
		return m, m.Progress.SetPercent(Fraction(msg))

	case stats.IntervalResult:
		m.RateLine.Add(msg.Rate)
		m.intervals = append(m.intervals, msg)
		if len(m.intervals) > recentRows {
			m.intervals = m.intervals[len(m.intervals)-recentRows:]
		}
		rows := make([]table.Row, 0, len(m.intervals))
		for i := len(m.intervals) - 1; i >= 0; i-- {
			r := m.intervals[i]
			rows = append(rows, table.Row{
				r.Label,
				fmt.Sprintf("%d", r.Elapsed),
				fmt.Sprintf("%d", r.Count),
				fmt.Sprintf("%.1f", r.Rate),
				fmt.Sprintf("%d", r.Cumulative),
				fmt.Sprintf("%.1f", r.CumulativeRate),
			})
		}
		m.Table.SetRows(rows)
		return m, nil

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 4
		width := msg.Width - 8
		if width < 10 {
			width = 10
		}
		m.RateLine.SetWidth(width)
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) budget() string {
	var parts []string
	if m.State.MaxIterations > 0 {
		parts = append(parts, fmt.Sprintf("%d inserts", m.State.MaxIterations))
	}
	if m.State.MaxTime > 0 {
		parts = append(parts, m.State.MaxTime.String())
	}
	if len(parts) == 0 {
		return "unbounded"
	}
	return strings.Join(parts, " or ")
}

func (m Model) View() string {
	s := strings.Builder{}

	s.WriteString(styles.Title.Render(m.Title))
	s.WriteString("\n\n")

	status := styles.Active.Render("running")
	if m.State.Done {
		status = styles.ReasonStyle(string(m.State.Reason)).Render("done: " + string(m.State.Reason))
	}
	col1 := fmt.Sprintf("TOTAL: %s\nRATE:  %s/s",
		styles.Value.Render(fmt.Sprintf("%d", m.State.Total)),
		styles.Value.Render(fmt.Sprintf("%.1f", m.State.Rate)))
	col2 := fmt.Sprintf("ELAPSED: %s\nBUDGET:  %s",
		m.State.Elapsed.Round(time.Second), m.budget())
	col3 := fmt.Sprintf("WORKERS: %d\nSTATUS:  %s", m.State.WorkersRunning, status)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(col2),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(styles.Box.Render(m.RateLine.View()))
	s.WriteString("\n\n")
	s.WriteString(styles.Box.Render(m.Table.View()))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	return s.String()
}
