// Package parse turns the specflow worker's raw output stream into
// classified lines. The worker interleaves structured JSON (progress
// updates, terminal response envelopes) with free-form log text, and does
// not align writes to line boundaries, so the parser reassembles lines
// across arbitrarily split chunks before classifying them.
package parse

import (
	"encoding/json"
	"time"
)

// LineType classifies a single line of worker output.
type LineType string

const (
	TypeProgress LineType = "progress"
	TypeError    LineType = "error"
	TypeWarning  LineType = "warning"
	TypeInfo     LineType = "info"
	TypeDebug    LineType = "debug"
	TypeJSON     LineType = "json"
	TypePlain    LineType = "plain"
)

// Phase is a build stage as reported by the worker.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQAReview Phase = "qa_review"
	PhaseQAFixing Phase = "qa_fixing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// BuildProgress is the normalized progress envelope carried by a progress
// line. Missing numeric fields decode to zero and a missing phase defaults
// to idle, so consumers never have to guard against absent fields.
type BuildProgress struct {
	SpecID            string   `json:"specId"`
	SpecName          string   `json:"specName,omitempty"`
	Phase             Phase    `json:"phase"`
	PhaseProgress     float64  `json:"phaseProgress"`
	OverallProgress   float64  `json:"overallProgress"`
	CurrentSubtask    string   `json:"currentSubtask,omitempty"`
	CurrentSubtaskID  string   `json:"currentSubtaskId,omitempty"`
	CompletedSubtasks int      `json:"completedSubtasks"`
	TotalSubtasks     int      `json:"totalSubtasks"`
	Message           string   `json:"message,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
	CompletedPhases   []string `json:"completedPhases,omitempty"`
}

// CLIResponse is the terminal envelope produced by request/response style
// worker commands (list, merge, qa-status, ...). Data is kept raw; each
// command knows its own payload shape.
type CLIResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Line is one classified line of worker output. Progress is set only for
// TypeProgress lines; Response only for TypeJSON lines that carried a
// CLIResponse-shaped object.
type Line struct {
	Type     LineType
	Content  string
	Time     time.Time
	Progress *BuildProgress
	Response *CLIResponse
}
