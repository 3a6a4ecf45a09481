package event

import (
	"time"

	"github.com/specrunhq/specrun/internal/health"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "worker.output", "worker.exit")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers, usable as Subscribe keys.
const (
	TypeOutput   = "worker.output"
	TypeProgress = "worker.progress"
	TypeExit     = "worker.exit"
	TypeStalled  = "worker.stalled"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Stream tags which pipe of the worker process a line arrived on.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputEvent is emitted for every classified line of worker output.
type OutputEvent struct {
	baseEvent
	TaskID string     // Task the output belongs to
	Stream Stream     // Pipe the line arrived on
	Line   parse.Line // Classified line
}

// NewOutputEvent creates an OutputEvent.
func NewOutputEvent(taskID string, stream Stream, line parse.Line) OutputEvent {
	return OutputEvent{
		baseEvent: newBaseEvent(TypeOutput),
		TaskID:    taskID,
		Stream:    stream,
		Line:      line,
	}
}

// ProgressEvent is emitted when the worker reports a progress envelope.
// Progress carries absolute percentages; consumers that want deltas
// subtract the previous overall value themselves (see progress.Aggregator).
type ProgressEvent struct {
	baseEvent
	TaskID   string
	Progress parse.BuildProgress
}

// NewProgressEvent creates a ProgressEvent.
func NewProgressEvent(taskID string, progress parse.BuildProgress) ProgressEvent {
	return ProgressEvent{
		baseEvent: newBaseEvent(TypeProgress),
		TaskID:    taskID,
		Progress:  progress,
	}
}

// ExitEvent is emitted when a worker process exits, for any reason.
type ExitEvent struct {
	baseEvent
	TaskID string
	Code   int    // Exit code; -1 when terminated by a signal
	Signal string // Terminating signal name, empty on normal exit
	Killed bool   // True when the supervisor killed the process
}

// NewExitEvent creates an ExitEvent.
func NewExitEvent(taskID string, code int, signal string, killed bool) ExitEvent {
	return ExitEvent{
		baseEvent: newBaseEvent(TypeExit),
		TaskID:    taskID,
		Code:      code,
		Signal:    signal,
		Killed:    killed,
	}
}

// StalledEvent is emitted once per stall transition: a running task has
// produced no output for longer than the configured threshold. It is
// advisory; the process keeps running until a caller acts.
type StalledEvent struct {
	baseEvent
	TaskID        string
	StallDuration time.Duration
	Health        health.Snapshot
}

// NewStalledEvent creates a StalledEvent.
func NewStalledEvent(taskID string, stallDuration time.Duration, snap health.Snapshot) StalledEvent {
	return StalledEvent{
		baseEvent:     newBaseEvent(TypeStalled),
		TaskID:        taskID,
		StallDuration: stallDuration,
		Health:        snap,
	}
}
