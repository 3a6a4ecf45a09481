// Package internal contains integration tests that verify the supervisor,
// event bus, health monitor, and progress aggregator work together: one
// spawned worker drives output classification, progress aggregation, and
// exit settlement through the shared bus.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/specrunhq/specrun/internal/event"
	"github.com/specrunhq/specrun/internal/health"
	"github.com/specrunhq/specrun/internal/logging"
	"github.com/specrunhq/specrun/internal/progress"
	"github.com/specrunhq/specrun/internal/supervisor"
	"github.com/specrunhq/specrun/internal/worker"
	"github.com/specrunhq/specrun/internal/worker/parse"
)

func writeFakeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specflow")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("Failed to write worker script: %v", err)
	}
	return path
}

// TestRunPipeline spawns a fake worker that emits the full output mix and
// verifies every consumer of the bus sees a consistent picture.
func TestRunPipeline(t *testing.T) {
	entry := writeFakeWorker(t, `echo 'INFO: loading spec'
echo '{"specId":"spec-1","phase":"planning","overallProgress":10}'
echo '{"specId":"spec-1","phase":"coding","overallProgress":60,"currentSubtask":"write parser"}'
echo 'WARNING: retrying step' 1>&2
echo '{"specId":"spec-1","phase":"complete","overallProgress":100}'
echo '{"success":true,"message":"run finished"}'`)

	bus := event.NewBus()
	monitor := health.NewMonitor(health.Config{StallThreshold: time.Minute, TickInterval: time.Hour})
	defer monitor.Close()
	sup := supervisor.New(supervisor.Config{EntryPoint: entry}, bus, monitor, logging.NopLogger())
	defer sup.Dispose()
	agg := progress.NewAggregator(bus)
	defer agg.Detach()

	var mu sync.Mutex
	var outputs []event.OutputEvent
	var updates []progress.Update
	bus.Subscribe(event.TypeOutput, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		outputs = append(outputs, e.(event.OutputEvent))
	})
	agg.OnUpdate(func(u progress.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	h, err := sup.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !monitor.Tracked("spec-1") {
		t.Error("Expected the task to be health-tracked while running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Response == nil || !res.Response.Success {
		t.Fatalf("Expected a success response, got %+v", res.Response)
	}

	mu.Lock()
	defer mu.Unlock()

	// Output events cover both streams in classified form.
	var sawInfo, sawStderrWarning bool
	for _, out := range outputs {
		if out.Stream == event.StreamStdout && out.Line.Type == parse.TypeInfo {
			sawInfo = true
		}
		if out.Stream == event.StreamStderr && out.Line.Type == parse.TypeWarning {
			sawStderrWarning = true
		}
	}
	if !sawInfo {
		t.Error("Expected a classified info line on stdout")
	}
	if !sawStderrWarning {
		t.Error("Expected a classified warning line on stderr")
	}

	// The aggregator derived increments from the absolute percentages.
	if len(updates) != 3 {
		t.Fatalf("Expected 3 progress updates, got %d", len(updates))
	}
	wantIncrements := []float64{10, 50, 40}
	for i, want := range wantIncrements {
		if updates[i].Increment != want {
			t.Errorf("Update %d: expected increment %v, got %v", i, want, updates[i].Increment)
		}
	}

	// Terminal state is consistent across components.
	snap, ok := agg.Snapshot("spec-1")
	if !ok || snap.Phase != parse.PhaseComplete {
		t.Errorf("Expected aggregated phase complete, got %+v (ok=%v)", snap, ok)
	}
	if sup.IsActive("spec-1") {
		t.Error("Expected the supervisor to release the task")
	}
	if monitor.Tracked("spec-1") {
		t.Error("Expected health tracking to end with the process")
	}
}

// TestKillPipeline verifies that killing a run settles every consumer:
// the supervisor frees the task, the monitor drops the record, and the
// aggregator marks the task failed.
func TestKillPipeline(t *testing.T) {
	entry := writeFakeWorker(t, `echo '{"specId":"spec-1","phase":"coding","overallProgress":30}'
sleep 5`)

	bus := event.NewBus()
	monitor := health.NewMonitor(health.Config{StallThreshold: time.Minute, TickInterval: time.Hour})
	defer monitor.Close()
	sup := supervisor.New(supervisor.Config{EntryPoint: entry}, bus, monitor, logging.NopLogger())
	defer sup.Dispose()
	agg := progress.NewAggregator(bus)
	defer agg.Detach()

	h, err := sup.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	// Let the worker report progress before the kill.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap, ok := agg.Snapshot("spec-1"); ok && snap.OverallProgress == 30 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for initial progress")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !sup.Kill("spec-1") {
		t.Fatal("Expected kill to find the process")
	}
	if monitor.Tracked("spec-1") {
		t.Error("Expected health tracking to end on kill")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err == nil {
		t.Fatal("Expected a process error for a killed run")
	}

	statuses := agg.Statuses()
	if len(statuses) != 1 || !statuses[0].Exited || !statuses[0].Failed {
		t.Errorf("Expected a failed exited status, got %+v", statuses)
	}
	if snap, _ := agg.Snapshot("spec-1"); snap.Phase != parse.PhaseFailed {
		t.Errorf("Expected settled phase failed, got %s", snap.Phase)
	}
}

// TestStallEventReachesSubscribers runs a silent worker under an
// aggressive stall threshold and verifies the supervisor's monitor wiring
// publishes the transition on the bus.
func TestStallEventReachesSubscribers(t *testing.T) {
	entry := writeFakeWorker(t, `sleep 5`)

	bus := event.NewBus()
	monitor := health.NewMonitor(health.Config{
		StallThreshold: 50 * time.Millisecond,
		TickInterval:   10 * time.Millisecond,
	})
	defer monitor.Close()
	sup := supervisor.New(supervisor.Config{EntryPoint: entry}, bus, monitor, logging.NopLogger())
	defer sup.Dispose()

	var mu sync.Mutex
	var stalls []event.StalledEvent
	bus.Subscribe(event.TypeStalled, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		stalls = append(stalls, e.(event.StalledEvent))
	})

	h, err := sup.Spawn("spec-1", worker.CommandRun, worker.Options{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(stalls)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a stall event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	stall := stalls[0]
	mu.Unlock()
	if stall.TaskID != "spec-1" {
		t.Errorf("Expected stall for spec-1, got %s", stall.TaskID)
	}
	if stall.StallDuration < 50*time.Millisecond {
		t.Errorf("Expected stall duration past the threshold, got %s", stall.StallDuration)
	}
	if stall.Health.Healthy {
		t.Error("Expected an unhealthy snapshot")
	}

	sup.Kill("spec-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = h.Wait(ctx)
}
