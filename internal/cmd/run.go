package cmd

import (
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run <spec-id>",
	Short: "Run an autonomous build for a spec",
	Long: `Run spawns a specflow worker to build the given spec, streaming the
worker's classified output until the run finishes. Progress envelopes are
rendered inline; a run that goes silent past the stall threshold is
flagged but keeps running until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runIsolated      bool
	runDirect        bool
	runMaxIterations int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runIsolated, "isolated", false, "Run in an isolated workspace copy")
	runCmd.Flags().BoolVar(&runDirect, "direct", false, "Apply changes without review gating")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "QA loop bound (0 = worker default)")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := a.workerOptions()
	opts.Isolated = runIsolated
	opts.Direct = runDirect
	if runMaxIterations > 0 {
		opts.MaxIterations = runMaxIterations
	}
	return a.runStreaming(worker.CommandRun, args[0], opts)
}
