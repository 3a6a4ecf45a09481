package cmd

import (
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/worker"
)

var qaCmd = &cobra.Command{
	Use:   "qa <spec-id>",
	Short: "Run the QA loop for a spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runQA,
}

var qaStatusCmd = &cobra.Command{
	Use:   "qa-status <spec-id>",
	Short: "Show the QA status for a spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runQAStatus,
}

var qaMaxIterations int

func init() {
	rootCmd.AddCommand(qaCmd)
	rootCmd.AddCommand(qaStatusCmd)

	qaCmd.Flags().IntVar(&qaMaxIterations, "max-iterations", 0, "QA loop bound (0 = worker default)")
}

func runQA(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := a.workerOptions()
	if qaMaxIterations > 0 {
		opts.MaxIterations = qaMaxIterations
	}
	return a.runStreaming(worker.CommandQA, args[0], opts)
}

func runQAStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	return a.runRequest(worker.CommandQAStatus, args[0], a.workerOptions())
}
