// Package worker describes the specflow worker CLI: the commands it
// understands, the shared flags it accepts, and how a host invocation is
// assembled into an argv. The supervisor builds processes exclusively
// through this package so the wire surface lives in one place.
package worker

import (
	"fmt"
	"os/exec"
	"strconv"
)

// Command identifies a specflow worker subcommand.
type Command string

const (
	CommandList     Command = "list"
	CommandRun      Command = "run"
	CommandReview   Command = "review"
	CommandMerge    Command = "merge"
	CommandDiscard  Command = "discard"
	CommandQA       Command = "qa"
	CommandQAStatus Command = "qa-status"
	CommandCreatePR Command = "create-pr"
)

// Commands returns every known worker command.
func Commands() []Command {
	return []Command{
		CommandList,
		CommandRun,
		CommandReview,
		CommandMerge,
		CommandDiscard,
		CommandQA,
		CommandQAStatus,
		CommandCreatePR,
	}
}

// Valid reports whether c is a known worker command.
func (c Command) Valid() bool {
	for _, known := range Commands() {
		if c == known {
			return true
		}
	}
	return false
}

// TakesSpecID reports whether the command operates on a single spec.
// Only "list" enumerates specs without targeting one.
func (c Command) TakesSpecID() bool {
	return c != CommandList
}

// IsStreaming reports whether the command produces incremental progress
// output rather than a single terminal response envelope.
func (c Command) IsStreaming() bool {
	return c == CommandRun || c == CommandQA
}

// Options are the shared flags accepted by every worker command.
// Zero values mean "not set" and are omitted from the argv.
type Options struct {
	ProjectDir    string // --project-dir: workspace the worker operates on
	Model         string // --model: model override for the run
	Verbose       bool   // --verbose
	Isolated      bool   // --isolated: run in an isolated workspace copy
	Direct        bool   // --direct: apply changes without review gating
	MaxIterations int    // --max-iterations: QA loop bound, 0 = worker default
	PRTarget      string // --pr-target: base branch for create-pr
	PRTitle       string // --pr-title
	PRDraft       bool   // --pr-draft
}

// Args assembles the argv (excluding the entry point itself) for invoking
// the command against the given spec id.
func (c Command) Args(specID string, opts Options) []string {
	args := []string{string(c)}
	if c.TakesSpecID() && specID != "" {
		args = append(args, specID)
	}
	if opts.ProjectDir != "" {
		args = append(args, "--project-dir", opts.ProjectDir)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	if opts.Isolated {
		args = append(args, "--isolated")
	}
	if opts.Direct {
		args = append(args, "--direct")
	}
	if opts.MaxIterations > 0 {
		args = append(args, "--max-iterations", strconv.Itoa(opts.MaxIterations))
	}
	if opts.PRTarget != "" {
		args = append(args, "--pr-target", opts.PRTarget)
	}
	if opts.PRTitle != "" {
		args = append(args, "--pr-title", opts.PRTitle)
	}
	if opts.PRDraft {
		args = append(args, "--pr-draft")
	}
	return args
}

// UnbufferedEnv is appended to the child environment so the worker flushes
// output per line instead of block-buffering when its stdout is a pipe.
const UnbufferedEnv = "SPECFLOW_UNBUFFERED=1"

// ResolveEntryPoint locates the worker executable. Relative names are
// resolved against PATH; absolute paths are checked for existence and
// execute permission.
func ResolveEntryPoint(entryPoint string) (string, error) {
	if entryPoint == "" {
		return "", fmt.Errorf("worker entry point not configured")
	}
	path, err := exec.LookPath(entryPoint)
	if err != nil {
		return "", fmt.Errorf("worker entry point %q: %w", entryPoint, err)
	}
	return path, nil
}
