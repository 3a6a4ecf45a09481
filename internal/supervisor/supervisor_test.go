package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/specrunhq/specrun/internal/errors"
	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/health"
	"github.com/specrunhq/specrun/internal/logging"
	"github.com/specrunhq/specrun/internal/worker"
)

// writeWorker writes a fake specflow executable into a temp dir and
// returns its path. The script sees the usual argv: $1 is the command,
// $2 the spec id.
func writeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specflow")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("Failed to write worker script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, entryPoint string) (*Supervisor, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	monitor := health.NewMonitor(health.Config{
		StallThreshold: time.Minute,
		TickInterval:   time.Hour,
	})
	s := New(Config{EntryPoint: entryPoint}, bus, monitor, logging.NopLogger())
	t.Cleanup(func() {
		s.Dispose()
		monitor.Close()
	})
	return s, bus
}

func waitFor(t *testing.T, h *Handle) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

// eventCollector records published events in arrival order.
type eventCollector struct {
	mu     sync.Mutex
	events []event.Event
}

func collect(bus *event.Bus) *eventCollector {
	c := &eventCollector{}
	bus.SubscribeAll(func(e event.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	})
	return c
}

func (c *eventCollector) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func TestSpawn_SuccessfulRun(t *testing.T) {
	entry := writeWorker(t, `echo '{"success":true,"message":"merged clean"}'`)
	s, _ := newTestSupervisor(t, entry)

	h, err := s.Spawn("spec-1", worker.CommandMerge, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if h.PID <= 0 {
		t.Errorf("Expected a positive pid, got %d", h.PID)
	}
	if h.RunID == "" {
		t.Error("Expected a run id")
	}

	res, err := waitFor(t, h)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.TaskID != "spec-1" {
		t.Errorf("Expected task spec-1, got %s", res.TaskID)
	}
	if res.Response == nil {
		t.Fatal("Expected a response envelope")
	}
	if !res.Response.Success || res.Response.Message != "merged clean" {
		t.Errorf("Unexpected response: %+v", res.Response)
	}
	if !strings.Contains(res.Stdout, "merged clean") {
		t.Errorf("Expected captured stdout, got %q", res.Stdout)
	}

	if s.IsActive("spec-1") {
		t.Error("Expected task to be inactive after exit")
	}
}

func TestSpawn_DuplicateTaskRejected(t *testing.T) {
	entry := writeWorker(t, `sleep 5`)
	s, _ := newTestSupervisor(t, entry)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if _, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{}); !errors.Is(err, errors.ErrTaskActive) {
		t.Errorf("Expected ErrTaskActive, got %v", err)
	}

	// A different task is unaffected.
	h2, err := s.Spawn("spec-2", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn of a second task failed: %v", err)
	}

	s.Kill("spec-1")
	s.Kill("spec-2")
	_, _ = waitFor(t, h)
	_, _ = waitFor(t, h2)
}

func TestSpawn_InvalidCommand(t *testing.T) {
	entry := writeWorker(t, `exit 0`)
	s, _ := newTestSupervisor(t, entry)

	_, err := s.Spawn("spec-1", worker.Command("bogus"), worker.Options{})
	if !errors.Is(err, errors.ErrInvalidCommand) {
		t.Errorf("Expected ErrInvalidCommand, got %v", err)
	}
	var spawnErr *errors.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("Expected a SpawnError, got %T", err)
	}
}

func TestSpawn_MissingEntryPoint(t *testing.T) {
	s, _ := newTestSupervisor(t, "/nonexistent/specflow-test-binary")

	_, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if !errors.Is(err, errors.ErrWorkerNotFound) {
		t.Errorf("Expected ErrWorkerNotFound, got %v", err)
	}
}

func TestSpawn_AfterDisposeRejected(t *testing.T) {
	entry := writeWorker(t, `exit 0`)
	s, _ := newTestSupervisor(t, entry)
	s.Dispose()

	if _, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{}); !errors.Is(err, errors.ErrSupervisorClosed) {
		t.Errorf("Expected ErrSupervisorClosed, got %v", err)
	}
}

func TestSpawn_FailureCarriesStderrContext(t *testing.T) {
	entry := writeWorker(t, `echo 'INFO: starting run'
echo 'ERROR: boom' 1>&2
exit 3`)
	s, _ := newTestSupervisor(t, entry)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	_, err = waitFor(t, h)
	if err == nil {
		t.Fatal("Expected an error for a non-zero exit")
	}
	var procErr *errors.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Expected a ProcessError, got %T: %v", err, err)
	}
	if procErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", procErr.ExitCode)
	}
	if procErr.Killed {
		t.Error("Expected killed=false")
	}
	if !strings.Contains(procErr.Stderr, "ERROR: boom") {
		t.Errorf("Expected stderr context, got %q", procErr.Stderr)
	}
	if !strings.Contains(procErr.StdoutTail, "INFO: starting run") {
		t.Errorf("Expected stdout tail, got %q", procErr.StdoutTail)
	}
}

func TestKill_RemovesSynchronously(t *testing.T) {
	entry := writeWorker(t, `sleep 5`)
	s, _ := newTestSupervisor(t, entry)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if !s.Kill("spec-1") {
		t.Fatal("Expected kill to report an active process")
	}
	// Removal does not wait for the OS; the task is free immediately.
	if s.IsActive("spec-1") {
		t.Error("Expected task to be inactive right after kill")
	}
	if s.Kill("spec-1") {
		t.Error("Expected second kill to report nothing running")
	}

	_, err = waitFor(t, h)
	var procErr *errors.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Expected a ProcessError, got %T: %v", err, err)
	}
	if !procErr.Killed {
		t.Error("Expected killed=true")
	}
	if procErr.Signal != "SIGTERM" {
		t.Errorf("Expected SIGTERM, got %q", procErr.Signal)
	}
}

func TestKill_UnknownTask(t *testing.T) {
	entry := writeWorker(t, `exit 0`)
	s, _ := newTestSupervisor(t, entry)

	if s.Kill("never-spawned") {
		t.Error("Expected kill of an unknown task to return false")
	}
}

func TestKill_AllowsImmediateRespawn(t *testing.T) {
	entry := writeWorker(t, `sleep 5`)
	s, _ := newTestSupervisor(t, entry)

	h1, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	s.Kill("spec-1")

	h2, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Respawn after kill failed: %v", err)
	}
	if h1.RunID == h2.RunID {
		t.Error("Expected distinct run ids")
	}

	s.Kill("spec-1")
	_, _ = waitFor(t, h1)
	_, _ = waitFor(t, h2)
}

func TestEvents_OutputProgressExit(t *testing.T) {
	entry := writeWorker(t, `echo 'INFO: starting'
echo '{"specId":"spec-1","phase":"coding","overallProgress":50}'
echo 'ERROR: transient' 1>&2`)
	s, bus := newTestSupervisor(t, entry)
	c := collect(bus)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := waitFor(t, h); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	var (
		sawInfo, sawStderrError bool
		progressEvents          []event.ProgressEvent
		exitEvents              []event.ExitEvent
	)
	for _, e := range c.all() {
		switch ev := e.(type) {
		case event.OutputEvent:
			if ev.TaskID != "spec-1" {
				t.Errorf("Unexpected task id %s", ev.TaskID)
			}
			if ev.Stream == event.StreamStdout && ev.Line.Content == "INFO: starting" {
				sawInfo = true
			}
			if ev.Stream == event.StreamStderr && ev.Line.Content == "ERROR: transient" {
				sawStderrError = true
			}
		case event.ProgressEvent:
			progressEvents = append(progressEvents, ev)
		case event.ExitEvent:
			exitEvents = append(exitEvents, ev)
		}
	}

	if !sawInfo {
		t.Error("Expected the stdout info line as an output event")
	}
	if !sawStderrError {
		t.Error("Expected the stderr line as an output event")
	}
	if len(progressEvents) != 1 {
		t.Fatalf("Expected 1 progress event, got %d", len(progressEvents))
	}
	if progressEvents[0].Progress.OverallProgress != 50 {
		t.Errorf("Expected overall progress 50, got %v", progressEvents[0].Progress.OverallProgress)
	}
	if len(exitEvents) != 1 {
		t.Fatalf("Expected 1 exit event, got %d", len(exitEvents))
	}
	if exitEvents[0].Code != 0 || exitEvents[0].Killed {
		t.Errorf("Unexpected exit event: %+v", exitEvents[0])
	}
}

func TestEvents_StreamsDoNotInterleaveLines(t *testing.T) {
	// Each worker tags its lines with its spec id ($2).
	entry := writeWorker(t, `i=1
while [ $i -le 20 ]; do
  echo "line-$2-$i"
  i=$((i+1))
done`)
	s, bus := newTestSupervisor(t, entry)
	c := collect(bus)

	ha, err := s.Spawn("alpha", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn alpha failed: %v", err)
	}
	hb, err := s.Spawn("bravo", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn bravo failed: %v", err)
	}
	if _, err := waitFor(t, ha); err != nil {
		t.Fatalf("Wait alpha failed: %v", err)
	}
	if _, err := waitFor(t, hb); err != nil {
		t.Fatalf("Wait bravo failed: %v", err)
	}

	counts := map[string]int{}
	for _, e := range c.all() {
		out, ok := e.(event.OutputEvent)
		if !ok {
			continue
		}
		counts[out.TaskID]++
		// A line attributed to one task must carry that task's tag.
		if !strings.Contains(out.Line.Content, "-"+out.TaskID+"-") {
			t.Errorf("Line for %s carries foreign content: %q", out.TaskID, out.Line.Content)
		}
	}
	if counts["alpha"] != 20 {
		t.Errorf("Expected 20 lines for alpha, got %d", counts["alpha"])
	}
	if counts["bravo"] != 20 {
		t.Errorf("Expected 20 lines for bravo, got %d", counts["bravo"])
	}
}

func TestEvents_TrailingPartialLineFlushedOnExit(t *testing.T) {
	entry := writeWorker(t, `printf 'no trailing newline'`)
	s, bus := newTestSupervisor(t, entry)
	c := collect(bus)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := waitFor(t, h); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	found := false
	for _, e := range c.all() {
		if out, ok := e.(event.OutputEvent); ok && out.Line.Content == "no trailing newline" {
			found = true
		}
	}
	if !found {
		t.Error("Expected the partial final line to be flushed as an output event")
	}
}

func TestActive_ListsSorted(t *testing.T) {
	entry := writeWorker(t, `sleep 5`)
	s, _ := newTestSupervisor(t, entry)

	hb, err := s.Spawn("bravo", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	ha, err := s.Spawn("alpha", worker.CommandQA, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	infos := s.Active()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 active processes, got %d", len(infos))
	}
	if infos[0].TaskID != "alpha" || infos[1].TaskID != "bravo" {
		t.Errorf("Expected sorted order [alpha bravo], got [%s %s]", infos[0].TaskID, infos[1].TaskID)
	}
	if infos[0].Command != worker.CommandQA {
		t.Errorf("Expected qa command for alpha, got %s", infos[0].Command)
	}

	s.KillAll()
	_, _ = waitFor(t, ha)
	_, _ = waitFor(t, hb)
	if len(s.Active()) != 0 {
		t.Errorf("Expected no active processes after KillAll, got %d", len(s.Active()))
	}
}

func TestSpawn_RespawnAfterNaturalExit(t *testing.T) {
	entry := writeWorker(t, `exit 0`)
	s, _ := newTestSupervisor(t, entry)

	h1, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := waitFor(t, h1); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	h2, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Respawn after exit failed: %v", err)
	}
	if _, err := waitFor(t, h2); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	entry := writeWorker(t, `sleep 5`)
	s, _ := newTestSupervisor(t, entry)

	h, err := s.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	// Cancelling the wait must not kill the process.
	if !s.IsActive("spec-1") {
		t.Error("Expected the process to keep running after a cancelled wait")
	}
	s.Kill("spec-1")
	_, _ = waitFor(t, h)
}
