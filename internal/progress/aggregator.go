// Package progress aggregates worker progress envelopes per task. The
// wire protocol reports absolute percentages; this package derives the
// increments notification-style consumers need and keeps the latest
// snapshot per task for browsers that poll.
package progress

import (
	"sort"
	"sync"

	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

// Update is delivered to the update callback for every progress envelope.
// Increment is the change in overall progress since the previous envelope
// for the task, clamped to zero so a worker restart reporting a lower
// absolute percentage never produces a negative delta.
type Update struct {
	TaskID    string
	Progress  parse.BuildProgress
	Increment float64
}

// UpdateFunc receives progress updates.
type UpdateFunc func(Update)

// TaskStatus is the aggregated view of one task.
type TaskStatus struct {
	TaskID   string
	Progress parse.BuildProgress
	Exited   bool
	Failed   bool
}

type taskState struct {
	latest parse.BuildProgress
	seen   bool
	exited bool
	failed bool
}

// Aggregator subscribes to progress and exit events on a bus and tracks
// per-task build progress. It is one consumer among several; it never
// mutates the stream it observes. Safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	bus      *event.Bus
	subIDs   []string
	tasks    map[string]*taskState
	onUpdate UpdateFunc
}

// NewAggregator creates an Aggregator and subscribes it to the bus.
// Call Detach to release the subscriptions.
func NewAggregator(bus *event.Bus) *Aggregator {
	a := &Aggregator{
		bus:   bus,
		tasks: make(map[string]*taskState),
	}
	a.subIDs = []string{
		bus.Subscribe(event.TypeProgress, a.handleEvent),
		bus.Subscribe(event.TypeExit, a.handleEvent),
	}
	return a
}

// OnUpdate sets the callback invoked for each progress envelope.
func (a *Aggregator) OnUpdate(fn UpdateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUpdate = fn
}

// Detach unsubscribes the aggregator from the bus. Tracked snapshots
// remain readable.
func (a *Aggregator) Detach() {
	a.mu.Lock()
	subIDs := a.subIDs
	a.subIDs = nil
	a.mu.Unlock()

	for _, id := range subIDs {
		a.bus.Unsubscribe(id)
	}
}

func (a *Aggregator) handleEvent(e event.Event) {
	switch ev := e.(type) {
	case event.ProgressEvent:
		a.applyProgress(ev)
	case event.ExitEvent:
		a.applyExit(ev)
	}
}

func (a *Aggregator) applyProgress(ev event.ProgressEvent) {
	a.mu.Lock()
	state, ok := a.tasks[ev.TaskID]
	if !ok {
		state = &taskState{}
		a.tasks[ev.TaskID] = state
	}
	var prev float64
	if state.seen {
		prev = state.latest.OverallProgress
	}
	increment := ev.Progress.OverallProgress - prev
	if increment < 0 {
		increment = 0
	}
	state.latest = ev.Progress
	state.seen = true
	onUpdate := a.onUpdate
	a.mu.Unlock()

	if onUpdate != nil {
		onUpdate(Update{TaskID: ev.TaskID, Progress: ev.Progress, Increment: increment})
	}
}

// applyExit settles a task's phase when the worker never reported a
// terminal phase itself: clean exit means complete, anything else failed.
func (a *Aggregator) applyExit(ev event.ExitEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.tasks[ev.TaskID]
	if !ok {
		state = &taskState{}
		a.tasks[ev.TaskID] = state
	}
	state.exited = true
	state.failed = ev.Code != 0 || ev.Killed
	if !state.latest.Phase.Terminal() {
		if state.failed {
			state.latest.Phase = parse.PhaseFailed
		} else {
			state.latest.Phase = parse.PhaseComplete
		}
	}
}

// Snapshot returns the latest progress for a task.
func (a *Aggregator) Snapshot(taskID string) (parse.BuildProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.tasks[taskID]
	if !ok {
		return parse.BuildProgress{}, false
	}
	return state.latest, true
}

// Statuses returns the aggregated view of every tracked task, ordered by
// task id.
func (a *Aggregator) Statuses() []TaskStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(a.tasks))
	for taskID, state := range a.tasks {
		statuses = append(statuses, TaskStatus{
			TaskID:   taskID,
			Progress: state.latest,
			Exited:   state.exited,
			Failed:   state.failed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TaskID < statuses[j].TaskID })
	return statuses
}

// Remove drops a task's tracked state.
func (a *Aggregator) Remove(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, taskID)
}
