// Package health tracks liveness for supervised worker processes. There
// is no heartbeat protocol; health is inferred passively from output
// arrival. A single shared ticker scans all tracked tasks and flags the
// ones that have been silent past a configurable threshold.
//
// Stall detection is advisory only: the monitor never kills a process.
// Escalation is the caller's decision.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/specrunhq/specrun/internal/logging"
)

// Config holds stall-detection tuning.
type Config struct {
	// StallThreshold is how long a task may be silent before it is
	// flagged as stalled.
	StallThreshold time.Duration

	// TickInterval is how often tracked tasks are scanned.
	TickInterval time.Duration
}

// DefaultConfig returns the default stall-detection configuration.
func DefaultConfig() Config {
	return Config{
		StallThreshold: 60 * time.Second,
		TickInterval:   5 * time.Second,
	}
}

// Snapshot is a point-in-time copy of one task's health record.
type Snapshot struct {
	TaskID        string
	Running       bool
	PID           int
	StartedAt     time.Time
	LastOutputAt  time.Time // zero until the first output arrives
	Healthy       bool
	StallDuration time.Duration
}

// StallFunc is called exactly once per stall transition, with a snapshot
// taken at detection time.
type StallFunc func(snap Snapshot)

// record tracks the health of a single task.
type record struct {
	pid           int
	startedAt     time.Time
	lastOutputAt  time.Time
	healthy       bool
	stalled       bool // latch: set on stall transition, cleared by output
	stallDuration time.Duration
}

// Monitor tracks health records keyed by task id. The shared ticker
// goroutine runs only while at least one task is registered.
//
// Monitor is safe for concurrent use. Callbacks are invoked outside the
// monitor's lock.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record
	onStall StallFunc
	logger  *logging.Logger
	stop    chan struct{} // non-nil while the ticker goroutine runs
}

// NewMonitor creates a Monitor with the given configuration. Zero config
// fields fall back to defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = def.StallThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &Monitor{
		cfg:     cfg,
		records: make(map[string]*record),
		logger:  logging.NopLogger(),
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger *logging.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger != nil {
		m.logger = logger
	}
}

// OnStall sets the callback invoked on each stall transition.
func (m *Monitor) OnStall(fn StallFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStall = fn
}

// Register creates a health record for a task and starts the shared
// ticker if this is the first registrant. Registering an already-tracked
// task is a no-op; the supervisor enforces at-most-one process per task.
func (m *Monitor) Register(taskID string, startedAt time.Time, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[taskID]; exists {
		return
	}
	m.records[taskID] = &record{
		pid:       pid,
		startedAt: startedAt,
		healthy:   true,
	}
	m.logger.Debug("health tracking started", "task_id", taskID, "pid", pid)

	if m.stop == nil {
		m.stop = make(chan struct{})
		go m.loop(m.stop)
	}
}

// Unregister removes a task's health record and stops the shared ticker
// when no tasks remain. Returns false if the task was not tracked.
func (m *Monitor) Unregister(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[taskID]; !exists {
		return false
	}
	delete(m.records, taskID)
	m.logger.Debug("health tracking stopped", "task_id", taskID)

	if len(m.records) == 0 && m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	return true
}

// RecordOutput notes that output arrived for a task. Stall duration
// resets to zero the instant any output arrives, and the stall latch is
// cleared so a later silence window can be reported again.
func (m *Monitor) RecordOutput(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[taskID]
	if !exists {
		return
	}
	rec.lastOutputAt = time.Now()
	rec.healthy = true
	rec.stalled = false
	rec.stallDuration = 0
}

// Snapshot returns a copy of a task's health record.
// The second return is false if the task is not tracked.
func (m *Monitor) Snapshot(taskID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[taskID]
	if !exists {
		return Snapshot{}, false
	}
	return rec.snapshot(taskID), true
}

// Snapshots returns copies of all health records, ordered by task id.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(m.records))
	for taskID, rec := range m.records {
		snaps = append(snaps, rec.snapshot(taskID))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TaskID < snaps[j].TaskID })
	return snaps
}

// Tracked reports whether a task has a health record.
func (m *Monitor) Tracked(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.records[taskID]
	return exists
}

// TrackedCount returns the number of tracked tasks.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close stops the shared ticker and drops all records.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.records = make(map[string]*record)
}

// Tick scans all tracked tasks for stall conditions once. It is called
// periodically by the shared ticker and may also be called directly by
// pollers.
func (m *Monitor) Tick() {
	m.tickAt(time.Now())
}

// loop runs the shared ticker until stop is closed.
func (m *Monitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// tickAt evaluates silence for every tracked task against the stall
// threshold. A stall is reported exactly once per silence window via the
// latch; stallDuration keeps updating on later ticks so pollers see it
// grow, but no further callback fires until output clears the latch.
func (m *Monitor) tickAt(now time.Time) {
	m.mu.Lock()

	var newlyStalled []Snapshot
	for taskID, rec := range m.records {
		since := rec.lastOutputAt
		if since.IsZero() {
			since = rec.startedAt
		}
		silence := now.Sub(since)
		if silence <= m.cfg.StallThreshold {
			continue
		}

		rec.healthy = false
		rec.stallDuration = silence
		if !rec.stalled {
			rec.stalled = true
			newlyStalled = append(newlyStalled, rec.snapshot(taskID))
		}
	}

	onStall := m.onStall
	logger := m.logger
	m.mu.Unlock()

	for _, snap := range newlyStalled {
		logger.Warn("task stalled",
			"task_id", snap.TaskID,
			"stall_duration", snap.StallDuration)
		if onStall != nil {
			onStall(snap)
		}
	}
}

// snapshot copies a record into its exported form.
// Caller must hold the monitor lock.
func (r *record) snapshot(taskID string) Snapshot {
	return Snapshot{
		TaskID:        taskID,
		Running:       true,
		PID:           r.pid,
		StartedAt:     r.startedAt,
		LastOutputAt:  r.lastOutputAt,
		Healthy:       r.healthy,
		StallDuration: r.stallDuration,
	}
}
