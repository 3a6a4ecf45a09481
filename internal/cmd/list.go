package cmd

import (
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/worker"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the specs known to the worker",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	return a.runRequest(worker.CommandList, "", a.workerOptions())
}
