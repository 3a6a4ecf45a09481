package cmd

import (
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/worker"
)

var reviewCmd = &cobra.Command{
	Use:   "review <spec-id>",
	Short: "Review the changes produced by a spec run",
	Args:  cobra.ExactArgs(1),
	RunE:  runReview,
}

var discardCmd = &cobra.Command{
	Use:   "discard <spec-id>",
	Short: "Discard the changes produced by a spec run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscard,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <spec-id>",
	Short: "Merge the changes produced by a spec run",
	Args:  cobra.ExactArgs(1),
	RunE:  runMerge,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(mergeCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	return a.runRequest(worker.CommandReview, args[0], a.workerOptions())
}

func runDiscard(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	return a.runRequest(worker.CommandDiscard, args[0], a.workerOptions())
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	return a.runRequest(worker.CommandMerge, args[0], a.workerOptions())
}
