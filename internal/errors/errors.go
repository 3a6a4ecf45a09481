// Package errors provides centralized error definitions for specrun:
// sentinel errors for supervisor invariants, typed errors carrying spawn
// and process-failure context, and re-exported standard helpers so callers
// import a single errors package.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Supervisor sentinel errors.
var (
	// ErrTaskActive indicates a spawn was rejected because the task
	// already has an active worker process.
	ErrTaskActive = New("task already has an active process")
	// ErrNoActiveProcess indicates an operation targeted a task with no
	// active worker process.
	ErrNoActiveProcess = New("no active process for task")
	// ErrWorkerNotFound indicates the worker entry point is missing or
	// not executable.
	ErrWorkerNotFound = New("worker entry point not found")
	// ErrInvalidCommand indicates an unknown worker command.
	ErrInvalidCommand = New("invalid worker command")
	// ErrSupervisorClosed indicates the supervisor has been disposed.
	ErrSupervisorClosed = New("supervisor is closed")
)

// SpawnError is returned when a worker process cannot be started.
type SpawnError struct {
	TaskID string
	Err    error
}

// NewSpawnError creates a SpawnError wrapping the underlying cause.
func NewSpawnError(taskID string, err error) *SpawnError {
	return &SpawnError{TaskID: taskID, Err: err}
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for task %s: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessError is returned when a worker process exits unsuccessfully.
// It embeds the captured stderr and a stdout tail so the command caller
// can surface context without re-reading streams.
type ProcessError struct {
	TaskID     string
	ExitCode   int    // -1 when terminated by a signal
	Signal     string // terminating signal name, empty on normal exit
	Killed     bool   // true when the supervisor killed the process
	Stderr     string
	StdoutTail string
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	switch {
	case e.Killed:
		fmt.Fprintf(&b, "worker for task %s killed", e.TaskID)
	case e.Signal != "":
		fmt.Fprintf(&b, "worker for task %s terminated by signal %s", e.TaskID, e.Signal)
	default:
		fmt.Fprintf(&b, "worker for task %s exited with code %d", e.TaskID, e.ExitCode)
	}
	if tail := LastLines(e.Stderr, 5); tail != "" {
		fmt.Fprintf(&b, ": %s", tail)
	}
	return b.String()
}

// ValidationError indicates invalid configuration or input.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// LastLines returns the last n non-blank lines of s joined by newlines.
// Used to attach bounded stderr/stdout context to errors.
func LastLines(s string, n int) string {
	if n <= 0 {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
