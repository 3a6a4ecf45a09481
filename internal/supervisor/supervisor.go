// Package supervisor owns the worker processes spawned for spec runs. It
// enforces at most one active process per task id, feeds raw stream chunks
// through the output parser, keeps the health monitor informed, and fans
// classified output, progress, exit, and stall events out on the event
// bus.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/specrunhq/specrun/internal/errors"
	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/health"
	"github.com/specrunhq/specrun/internal/logging"
	"github.com/specrunhq/specrun/internal/worker"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

// stdoutTailLines bounds the stdout context attached to process errors.
const stdoutTailLines = 20

// Config holds supervisor settings.
type Config struct {
	// EntryPoint is the specflow worker executable, resolved via PATH
	// when not absolute.
	EntryPoint string
	// ProjectDir is the default workspace passed to workers when a spawn
	// does not override it. Also used as the child working directory.
	ProjectDir string
}

// ProcessInfo describes one active worker process.
type ProcessInfo struct {
	TaskID    string
	RunID     string
	PID       int
	Command   worker.Command
	StartedAt time.Time
}

// trackedProcess owns one spawned worker process and its stream state.
type trackedProcess struct {
	runID   string
	taskID  string
	command worker.Command
	cmd     *exec.Cmd
	started time.Time

	// emitMu serializes classification and publishing across the stdout
	// and stderr readers so events for this task stay in arrival order.
	emitMu sync.Mutex

	outMu  sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	resp   *parse.CLIResponse

	killed bool // guarded by the supervisor mutex

	done   chan struct{}
	result *Result
	err    error
}

// Result is the terminal outcome of a successful worker run.
type Result struct {
	TaskID   string
	RunID    string
	Stdout   string
	Response *parse.CLIResponse // last CLIResponse envelope seen on stdout, if any
	Duration time.Duration
}

// Handle refers to one spawned worker process.
type Handle struct {
	RunID  string
	TaskID string
	PID    int
	p      *trackedProcess
}

// Done returns a channel closed when the process has exited and its
// result is available.
func (h *Handle) Done() <-chan struct{} { return h.p.done }

// Wait blocks until the process exits or the context is cancelled.
// Cancelling the wait does not kill the process; there is no built-in
// hard timeout on command completion.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.p.done:
		return h.p.result, h.p.err
	}
}

// Supervisor spawns and tracks worker processes keyed by task id.
// It is safe for concurrent use; every check-then-mutate sequence on the
// active-process map runs under one lock so the at-most-one-process-per-
// task invariant holds.
type Supervisor struct {
	mu     sync.Mutex
	cfg    Config
	procs  map[string]*trackedProcess
	closed bool

	parser  *parse.Parser
	monitor *health.Monitor
	bus     *event.Bus
	logger  *logging.Logger
}

// New creates a Supervisor publishing on bus and reporting liveness to
// monitor. The monitor's stall callback is wired to the bus here, so
// subscribers see stall transitions as StalledEvents.
func New(cfg Config, bus *event.Bus, monitor *health.Monitor, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Supervisor{
		cfg:     cfg,
		procs:   make(map[string]*trackedProcess),
		parser:  parse.NewParser(),
		monitor: monitor,
		bus:     bus,
		logger:  logger,
	}
	monitor.OnStall(func(snap health.Snapshot) {
		bus.Publish(event.NewStalledEvent(snap.TaskID, snap.StallDuration, snap))
	})
	return s
}

// Spawn starts a worker process for the task. It fails with ErrTaskActive
// if the task already has an active process, and with a SpawnError when
// the entry point is missing or the process cannot start.
func (s *Supervisor) Spawn(taskID string, command worker.Command, opts worker.Options) (*Handle, error) {
	if !command.Valid() {
		return nil, errors.NewSpawnError(taskID, fmt.Errorf("%w: %q", errors.ErrInvalidCommand, command))
	}
	entry, err := worker.ResolveEntryPoint(s.cfg.EntryPoint)
	if err != nil {
		return nil, errors.NewSpawnError(taskID, fmt.Errorf("%w: %v", errors.ErrWorkerNotFound, err))
	}
	if opts.ProjectDir == "" {
		opts.ProjectDir = s.cfg.ProjectDir
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrSupervisorClosed
	}
	if _, active := s.procs[taskID]; active {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", taskID, errors.ErrTaskActive)
	}

	cmd := exec.Command(entry, command.Args(taskID, opts)...)
	cmd.Dir = opts.ProjectDir
	cmd.Env = append(os.Environ(), worker.UnbufferedEnv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, errors.NewSpawnError(taskID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, errors.NewSpawnError(taskID, err)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, errors.NewSpawnError(taskID, err)
	}

	p := &trackedProcess{
		runID:   uuid.NewString(),
		taskID:  taskID,
		command: command,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.procs[taskID] = p
	s.mu.Unlock()

	s.monitor.Register(taskID, p.started, cmd.Process.Pid)
	s.logger.Info("worker spawned",
		"task_id", taskID,
		"run_id", p.runID,
		"command", string(command),
		"pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readLoop(p, stdout, event.StreamStdout)
	}()
	go func() {
		defer readers.Done()
		s.readLoop(p, stderr, event.StreamStderr)
	}()
	go s.waitLoop(p, &readers)

	return &Handle{RunID: p.runID, TaskID: taskID, PID: cmd.Process.Pid, p: p}, nil
}

// readLoop forwards chunks from one pipe through the parser, publishing a
// classified OutputEvent per complete line. Every chunk counts as output
// for liveness, complete line or not.
func (s *Supervisor) readLoop(p *trackedProcess, r io.Reader, stream event.Stream) {
	streamID := streamKey(p.taskID, stream)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])

			p.outMu.Lock()
			if stream == event.StreamStdout {
				p.stdout.WriteString(chunk)
			} else {
				p.stderr.WriteString(chunk)
			}
			p.outMu.Unlock()

			s.monitor.RecordOutput(p.taskID)

			p.emitMu.Lock()
			for _, line := range s.parser.Ingest(streamID, chunk) {
				s.emit(p, stream, line)
			}
			p.emitMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// emit publishes one classified line. Progress and response envelopes are
// honored on stdout only; stderr lines are classified for display but
// never drive the wire protocol. Caller must hold p.emitMu.
func (s *Supervisor) emit(p *trackedProcess, stream event.Stream, line parse.Line) {
	s.bus.Publish(event.NewOutputEvent(p.taskID, stream, line))
	if stream != event.StreamStdout {
		return
	}
	if line.Type == parse.TypeProgress && line.Progress != nil {
		s.bus.Publish(event.NewProgressEvent(p.taskID, *line.Progress))
	}
	if line.Response != nil {
		p.outMu.Lock()
		p.resp = line.Response
		p.outMu.Unlock()
	}
}

// waitLoop reaps the process, flushes trailing partial lines, performs
// final cleanup, and settles the handle. When the process was killed, the
// bookkeeping was already removed synchronously by Kill; this is the
// asynchronous confirmation path.
func (s *Supervisor) waitLoop(p *trackedProcess, readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := p.cmd.Wait()

	for _, stream := range []event.Stream{event.StreamStdout, event.StreamStderr} {
		p.emitMu.Lock()
		if line, ok := s.parser.Flush(streamKey(p.taskID, stream)); ok {
			s.emit(p, stream, line)
		}
		p.emitMu.Unlock()
	}

	s.mu.Lock()
	killed := p.killed
	removed := false
	if cur, ok := s.procs[p.taskID]; ok && cur == p {
		delete(s.procs, p.taskID)
		removed = true
	}
	s.mu.Unlock()

	// Kill already unregistered the health record; unregistering again
	// here could tear down a record belonging to a newer process for the
	// same task.
	if removed {
		s.monitor.Unregister(p.taskID)
	}

	code, signal := exitStatus(waitErr)

	p.outMu.Lock()
	stdout := p.stdout.String()
	stderr := p.stderr.String()
	resp := p.resp
	p.outMu.Unlock()

	if waitErr == nil {
		p.result = &Result{
			TaskID:   p.taskID,
			RunID:    p.runID,
			Stdout:   stdout,
			Response: resp,
			Duration: time.Since(p.started),
		}
		s.logger.Info("worker exited", "task_id", p.taskID, "run_id", p.runID)
	} else {
		p.err = &errors.ProcessError{
			TaskID:     p.taskID,
			ExitCode:   code,
			Signal:     signal,
			Killed:     killed,
			Stderr:     stderr,
			StdoutTail: errors.LastLines(stdout, stdoutTailLines),
		}
		s.logger.Warn("worker failed",
			"task_id", p.taskID,
			"run_id", p.runID,
			"exit_code", code,
			"signal", signal,
			"killed", killed)
	}

	s.bus.Publish(event.NewExitEvent(p.taskID, code, signal, killed))
	close(p.done)
}

// exitStatus extracts the exit code and terminating signal name from a
// Wait error. A signal termination reports code -1.
func exitStatus(waitErr error) (int, string) {
	if waitErr == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return -1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -1, unix.SignalName(status.Signal())
	}
	return exitErr.ExitCode(), ""
}

// Kill sends SIGTERM to the task's worker process, if any, and removes it
// from the active set synchronously without waiting for OS confirmation.
// Returns whether anything was actually running. The exit handler does
// final cleanup whenever the process eventually dies.
func (s *Supervisor) Kill(taskID string) bool {
	s.mu.Lock()
	p, ok := s.procs[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.procs, taskID)
	p.killed = true
	s.mu.Unlock()

	s.monitor.Unregister(taskID)
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	s.logger.Info("worker kill requested", "task_id", taskID, "run_id", p.runID)
	return true
}

// KillAll terminates and removes every tracked process. Used at shutdown.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for taskID := range s.procs {
		ids = append(ids, taskID)
	}
	s.mu.Unlock()

	for _, taskID := range ids {
		s.Kill(taskID)
	}
}

// IsActive reports whether the task has an active worker process.
func (s *Supervisor) IsActive(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[taskID]
	return ok
}

// Active lists the active worker processes, ordered by task id.
func (s *Supervisor) Active() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(s.procs))
	for taskID, p := range s.procs {
		infos = append(infos, ProcessInfo{
			TaskID:    taskID,
			RunID:     p.runID,
			PID:       p.cmd.Process.Pid,
			Command:   p.command,
			StartedAt: p.started,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TaskID < infos[j].TaskID })
	return infos
}

// Dispose kills all tracked processes and rejects further spawns.
// Lifetime is one host session; the bus and monitor outlive the
// supervisor only if the caller shares them.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.KillAll()
}

// streamKey scopes parser buffers per task and per stream, so a partial
// line on stderr can never merge into a stdout line.
func streamKey(taskID string, stream event.Stream) string {
	return taskID + "/" + string(stream)
}
