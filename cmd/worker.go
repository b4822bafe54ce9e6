package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"docbench/internal/runner"
)

// workerCmd is the body of a worker subprocess. The orchestrator writes the
// job to its stdin and reads events from its stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker process (started by docbench itself)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runner.ServeWorker(cmd.Context(), os.Stdin, os.Stdout, runner.DefaultConnector)
	},
}
