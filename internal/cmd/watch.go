package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/specrunhq/specrun/internal/tui"
	"github.com/specrunhq/specrun/internal/worker"
)

var watchCmd = &cobra.Command{
	Use:   "watch <spec-id>...",
	Short: "Run specs concurrently with a live status view",
	Long: `Watch spawns a build run for each given spec and shows a live view of
every run: phase, overall progress, the current subtask, and a stall
badge for runs that have gone silent. Quitting the view kills any
workers still running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var (
	watchIsolated bool
	watchDirect   bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchIsolated, "isolated", false, "Run each spec in an isolated workspace copy")
	watchCmd.Flags().BoolVar(&watchDirect, "direct", false, "Apply changes without review gating")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	prog := tea.NewProgram(tui.New(args))
	unsubscribe := tui.Bridge(prog, a.bus)
	defer unsubscribe()

	opts := a.workerOptions()
	opts.Isolated = watchIsolated
	opts.Direct = watchDirect

	// Spawn after the program starts consuming messages; Send blocks
	// until the loop is running.
	go func() {
		for _, specID := range args {
			if _, err := a.supervisor.Spawn(specID, worker.CommandRun, opts); err != nil {
				prog.Send(tui.SpawnErrorMsg{TaskID: specID, Err: err})
			}
		}
	}()

	_, err = prog.Run()
	return err
}
