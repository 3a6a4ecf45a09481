package cmd

import (
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/worker"
)

var prCmd = &cobra.Command{
	Use:   "create-pr <spec-id>",
	Short: "Create a pull request from a spec run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreatePR,
}

var (
	prTarget string
	prTitle  string
	prDraft  bool
)

func init() {
	rootCmd.AddCommand(prCmd)

	prCmd.Flags().StringVar(&prTarget, "target", "", "Base branch for the PR (default from config)")
	prCmd.Flags().StringVar(&prTitle, "title", "", "PR title (default: worker-generated)")
	prCmd.Flags().BoolVar(&prDraft, "draft", false, "Create the PR as a draft")
}

func runCreatePR(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := a.workerOptions()
	opts.PRTarget = prTarget
	if opts.PRTarget == "" {
		opts.PRTarget = a.cfg.PR.Target
	}
	opts.PRTitle = prTitle
	opts.PRDraft = prDraft || a.cfg.PR.Draft
	return a.runRequest(worker.CommandCreatePR, args[0], opts)
}
