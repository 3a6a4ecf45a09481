// Package tui renders a live status view for concurrent spec runs. It is
// one consumer of the event bus among several: it derives row state from
// the same output/progress/exit/stalled stream the CLI printers use,
// without interfering with them.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

// EventMsg carries a bus event into the bubbletea loop.
type EventMsg struct {
	Event event.Event
}

// SpawnErrorMsg reports a spec that could not be spawned.
type SpawnErrorMsg struct {
	TaskID string
	Err    error
}

// Bridge forwards every bus event into the program. The returned function
// releases the subscription.
func Bridge(p *tea.Program, bus *event.Bus) func() {
	id := bus.SubscribeAll(func(e event.Event) {
		p.Send(EventMsg{Event: e})
	})
	return func() { bus.Unsubscribe(id) }
}

type row struct {
	taskID   string
	phase    parse.Phase
	overall  float64
	subtask  string
	lastLine string
	stalled  bool
	stallFor time.Duration
	exited   bool
	failed   bool
	exitCode int
	spawnErr error
}

// Model is the watch view: one row per spec run.
type Model struct {
	order []string
	rows  map[string]*row
	bar   progress.Model
	width int
}

// New creates a watch model pre-seeded with a row per task.
func New(taskIDs []string) Model {
	rows := make(map[string]*row, len(taskIDs))
	for _, id := range taskIDs {
		rows[id] = &row{taskID: id, phase: parse.PhaseIdle}
	}
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 30
	return Model{
		order: append([]string(nil), taskIDs...),
		rows:  rows,
		bar:   bar,
		width: 80,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case SpawnErrorMsg:
		if r, ok := m.rows[msg.TaskID]; ok {
			r.spawnErr = msg.Err
			r.exited = true
			r.failed = true
		}
		if m.allDone() {
			return m, tea.Quit
		}
	case EventMsg:
		m.apply(msg.Event)
		if m.allDone() {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) apply(e event.Event) {
	switch ev := e.(type) {
	case event.OutputEvent:
		if r, ok := m.rows[ev.TaskID]; ok {
			r.lastLine = ev.Line.Content
			r.stalled = false
		}
	case event.ProgressEvent:
		if r, ok := m.rows[ev.TaskID]; ok {
			r.phase = ev.Progress.Phase
			r.overall = ev.Progress.OverallProgress
			r.subtask = ev.Progress.CurrentSubtask
			r.stalled = false
		}
	case event.StalledEvent:
		if r, ok := m.rows[ev.TaskID]; ok {
			r.stalled = true
			r.stallFor = ev.StallDuration
		}
	case event.ExitEvent:
		if r, ok := m.rows[ev.TaskID]; ok {
			r.exited = true
			r.exitCode = ev.Code
			r.failed = ev.Code != 0 || ev.Killed
			r.stalled = false
			if !r.phase.Terminal() {
				if r.failed {
					r.phase = parse.PhaseFailed
				} else {
					r.phase = parse.PhaseComplete
				}
			}
			if !r.failed {
				r.overall = 100
			}
		}
	}
}

func (m Model) allDone() bool {
	for _, r := range m.rows {
		if !r.exited {
			return false
		}
	}
	return len(m.rows) > 0
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	idStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	stallBadge  = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11")).Padding(0, 1)
	failBadge   = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")).Padding(0, 1)
	doneBadge   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).MarginTop(1)
	errLineWrap = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("specrun watch"))
	b.WriteString("\n\n")

	for _, taskID := range m.order {
		r := m.rows[taskID]
		if r == nil {
			continue
		}
		b.WriteString(m.renderRow(r))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit (kills running workers)"))
	return b.String()
}

func (m Model) renderRow(r *row) string {
	var b strings.Builder
	b.WriteString(idStyle.Render(r.taskID))
	b.WriteString("  ")
	b.WriteString(phaseStyle.Render(string(r.phase)))
	b.WriteString("  ")
	b.WriteString(m.bar.ViewAs(r.overall / 100))
	b.WriteString(fmt.Sprintf(" %3.0f%%", r.overall))

	switch {
	case r.spawnErr != nil:
		b.WriteString("  ")
		b.WriteString(failBadge.Render("spawn failed"))
	case r.exited && r.failed:
		b.WriteString("  ")
		b.WriteString(failBadge.Render(fmt.Sprintf("exit %d", r.exitCode)))
	case r.exited:
		b.WriteString("  ")
		b.WriteString(doneBadge.Render("done"))
	case r.stalled:
		b.WriteString("  ")
		b.WriteString(stallBadge.Render(fmt.Sprintf("stalled %s", r.stallFor.Round(time.Second))))
	}
	b.WriteString("\n")

	detail := r.subtask
	if detail == "" {
		detail = r.lastLine
	}
	if r.spawnErr != nil {
		b.WriteString("  ")
		b.WriteString(errLineWrap.Render(r.spawnErr.Error()))
		b.WriteString("\n")
	} else if detail != "" {
		b.WriteString("  ")
		b.WriteString(dimStyle.Render(truncate(detail, m.width-4)))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
