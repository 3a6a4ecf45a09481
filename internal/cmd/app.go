package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/specrunhq/specrun/internal/config"
	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/health"
	"github.com/specrunhq/specrun/internal/logging"
	"github.com/specrunhq/specrun/internal/progress"
	"github.com/specrunhq/specrun/internal/supervisor"
	"github.com/specrunhq/specrun/internal/worker"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

// app wires the supervisor stack for one CLI invocation: config, logger,
// bus, health monitor, supervisor, and progress aggregator.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	bus        *event.Bus
	monitor    *health.Monitor
	supervisor *supervisor.Supervisor
	aggregator *progress.Aggregator
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Rotation())
		if err != nil {
			return nil, err
		}
	}

	bus := event.NewBus()
	monitor := health.NewMonitor(health.Config{
		StallThreshold: cfg.Health.StallThreshold(),
		TickInterval:   cfg.Health.TickInterval(),
	})
	monitor.SetLogger(logger)

	sup := supervisor.New(supervisor.Config{
		EntryPoint: cfg.Worker.EntryPoint,
		ProjectDir: cfg.Worker.ProjectDir,
	}, bus, monitor, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		monitor:    monitor,
		supervisor: sup,
		aggregator: progress.NewAggregator(bus),
	}, nil
}

func (a *app) close() {
	a.aggregator.Detach()
	a.supervisor.Dispose()
	a.monitor.Close()
	_ = a.logger.Close()
}

// workerOptions builds the shared worker flags from config.
func (a *app) workerOptions() worker.Options {
	return worker.Options{
		ProjectDir:    a.cfg.Worker.ProjectDir,
		Model:         a.cfg.Worker.Model,
		Verbose:       a.cfg.Worker.Verbose,
		MaxIterations: a.cfg.Worker.MaxIterations,
	}
}

// runRequest executes a request/response style worker command and prints
// its terminal CLIResponse envelope. For commands without a spec id
// (list), the command name keys the process.
func (a *app) runRequest(command worker.Command, specID string, opts worker.Options) error {
	taskID := specID
	if taskID == "" {
		taskID = string(command)
	}

	handle, err := a.supervisor.Spawn(taskID, command, opts)
	if err != nil {
		return err
	}
	res, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}

	resp := res.Response
	if resp == nil {
		// Worker produced no envelope; fall back to raw output.
		fmt.Print(res.Stdout)
		return nil
	}
	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("worker: %s", resp.Error)
		}
		return fmt.Errorf("worker reported failure")
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	if len(resp.Data) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, resp.Data, "", "  "); err != nil {
			fmt.Println(string(resp.Data))
		} else {
			fmt.Println(pretty.String())
		}
	}
	return nil
}

// runStreaming executes a streaming worker command (run, qa), printing
// classified output lines and stall warnings as they arrive.
func (a *app) runStreaming(command worker.Command, specID string, opts worker.Options) error {
	subID := a.bus.SubscribeAll(func(e event.Event) {
		switch ev := e.(type) {
		case event.OutputEvent:
			if ev.TaskID == specID {
				fmt.Println(renderLine(ev.Line))
			}
		case event.StalledEvent:
			if ev.TaskID == specID {
				fmt.Println(stallStyle.Render(fmt.Sprintf(
					"no output for %s; the run may be stalled", ev.StallDuration.Round(time.Second))))
			}
		}
	})
	defer a.bus.Unsubscribe(subID)

	handle, err := a.supervisor.Spawn(specID, command, opts)
	if err != nil {
		return err
	}
	if _, err := handle.Wait(context.Background()); err != nil {
		return err
	}

	if prog, ok := a.aggregator.Snapshot(specID); ok && prog.Phase == parse.PhaseComplete {
		fmt.Println(doneStyle.Render(fmt.Sprintf("spec %s complete", specID)))
	}
	return nil
}

var (
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	debugStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stallStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	doneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
)

// renderLine formats a classified output line for the terminal.
func renderLine(line parse.Line) string {
	switch line.Type {
	case parse.TypeProgress:
		p := line.Progress
		text := fmt.Sprintf("[%s] %3.0f%%", p.Phase, p.OverallProgress)
		if p.CurrentSubtask != "" {
			text += " " + p.CurrentSubtask
		} else if p.Message != "" {
			text += " " + p.Message
		}
		return progressStyle.Render(text)
	case parse.TypeError:
		return errStyle.Render(line.Content)
	case parse.TypeWarning:
		return warnStyle.Render(line.Content)
	case parse.TypeDebug:
		return debugStyle.Render(line.Content)
	case parse.TypeInfo:
		return infoStyle.Render(line.Content)
	default:
		return line.Content
	}
}
