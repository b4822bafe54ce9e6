package history

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docbench/internal/storage"
	"docbench/internal/tui/styles"
)

// Model browses past runs.
type Model struct {
	Table table.Model
	Items []storage.RunRecord

	Width  int
	Height int
}

func columns() []table.Column {
	return []table.Column{
		{Title: "Time", Width: 20},
		{Title: "Database", Width: 16},
		{Title: "Testcase", Width: 16},
		{Title: "Inserts", Width: 12},
		{Title: "Rate", Width: 10},
		{Title: "Reason", Width: 16},
		{Title: "Errors", Width: 6},
	}
}

// Rows renders records one row each, in the order given.
func Rows(items []storage.RunRecord) []table.Row {
	rows := make([]table.Row, len(items))
	for i, item := range items {
		rows[i] = table.Row{
			item.Timestamp.Local().Format(time.DateTime),
			item.Database,
			item.Testcase,
			fmt.Sprintf("%d", item.Summary.Total),
			fmt.Sprintf("%.1f", item.Summary.Rate),
			string(item.Summary.Reason),
			fmt.Sprintf("%d", len(item.Errors)),
		}
	}
	return rows
}

func NewModel(items []storage.RunRecord) Model {
	t := table.New(
		table.WithColumns(columns()),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	t.SetRows(Rows(items))

	return Model{Table: t, Items: items}
}

// Selected returns the highlighted record, if any.
func (m Model) Selected() (storage.RunRecord, bool) {
	i := m.Table.Cursor()
	if i < 0 || i >= len(m.Items) {
		return storage.RunRecord{}, false
	}
	return m.Items[i], true
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	view := styles.Box.Render(m.Table.View())
	if item, ok := m.Selected(); ok && len(item.Reports) > 0 {
		view += "\n" + styles.Subtle.Render("Report: "+item.Reports[0])
	}
	return view + "\n" + styles.RenderKey("↑/↓", "select") + "  " + styles.RenderKey("q", "quit")
}

// Run shows the history browser until the user quits.
func Run(items []storage.RunRecord) error {
	_, err := tea.NewProgram(NewModel(items)).Run()
	return err
}
