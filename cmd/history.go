package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"docbench/internal/tui/history"
	"docbench/internal/tui/styles"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		browse, _ := cmd.Flags().GetBool("browse")

		store, err := openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.List(limit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println(styles.Subtle.Render("no runs recorded yet"))
			return nil
		}
		if browse {
			return history.Run(items)
		}

		rows := history.Rows(items)
		header := []string{"TIME", "DATABASE", "TESTCASE", "INSERTS", "RATE", "REASON", "ERRORS"}
		widths := make([]int, len(header))
		for i, h := range header {
			widths[i] = len(h)
		}
		for _, row := range rows {
			for i, cell := range row {
				if w := lipgloss.Width(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
		render := func(cells []string) string {
			padded := make([]string, len(cells))
			for i, c := range cells {
				padded[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
			}
			return strings.Join(padded, "  ")
		}
		fmt.Fprintln(os.Stdout, styles.Active.Render(render(header)))
		for _, row := range rows {
			fmt.Fprintln(os.Stdout, render(row))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of runs to show (0 for all)")
	historyCmd.Flags().Bool("browse", false, "browse runs interactively")
}
