package result

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"docbench/internal/stats"
	"docbench/internal/tui/styles"
)

// Model shows the summary of a finished testcase.
type Model struct {
	Title   string
	Summary stats.Summary
	Reports []string
	Err     error

	Width  int
	Height int
}

func NewModel(title string, summary stats.Summary) Model {
	return Model{Title: title, Summary: summary}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
	}
	return m, nil
}

// Render lays out a summary; the headless CLI prints the same block.
func Render(title string, sum stats.Summary, reports []string, runErr error) string {
	s := strings.Builder{}

	s.WriteString(styles.Title.Render(title))
	s.WriteString("\n\n")

	s.WriteString(styles.Active.Render("Overview"))
	s.WriteString("\n")
	overview := fmt.Sprintf(
		"Inserts:     %d\nReported:    %d\nLate events: %d\nDuration:    %.1fs\nRate:        %.1f/s\nStopped by:  %s",
		sum.Total, sum.Reported, sum.LateEvents, sum.Duration().Seconds(), sum.Rate,
		styles.ReasonStyle(string(sum.Reason)).Render(string(sum.Reason)),
	)
	s.WriteString(styles.Box.Render(overview))
	s.WriteString("\n\n")

	s.WriteString(styles.Active.Render("Write latency"))
	s.WriteString("\n")
	lat := sum.Latency
	latency := fmt.Sprintf(
		"Writes: %d\nAvg: %.2f ms\nP50: %.2f ms\nP90: %.2f ms\nP99: %.2f ms\nMax: %.2f ms",
		lat.Count, lat.Mean, lat.P50, lat.P90, lat.P99, lat.Max,
	)
	s.WriteString(styles.Box.Render(latency))

	if runErr != nil {
		s.WriteString("\n\n")
		s.WriteString(styles.Error.Render("Errors"))
		s.WriteString("\n")
		s.WriteString(styles.Box.Render(styles.Error.Render(runErr.Error())))
	}
	if len(reports) > 0 {
		s.WriteString("\n\n")
		s.WriteString(styles.Subtle.Render("Reports:\n  " + strings.Join(reports, "\n  ")))
	}
	return s.String()
}

func (m Model) View() string {
	return Render(m.Title, m.Summary, m.Reports, m.Err) + "\n\n" + styles.RenderKey("q", "quit")
}
