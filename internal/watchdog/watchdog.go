// Package watchdog force-kills tasks that run past their hard limit.
// It does not detect or log tasks whose goroutine has exited while
// still marked running.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentrunner/runner/internal/audit"
	"github.com/agentrunner/runner/internal/task"
)

// HardKillMultiplier sets the hard limit as a multiple of a task's
// configured soft timeout.
const HardKillMultiplier = 2.0

// DefaultCheckInterval is how often the watchdog scans running tasks.
const DefaultCheckInterval = 30 * time.Second

// Watchdog periodically scans a task.Store for tasks overrunning
// HardKillMultiplier times their configured timeout.
type Watchdog struct {
	store    *task.Store
	auditLog *audit.Log
	interval time.Duration

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	accessorFn Accessor
}

// New creates a watchdog over store, recording force-kill events to
// auditLog. A zero interval uses DefaultCheckInterval.
func New(store *task.Store, auditLog *audit.Log, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Watchdog{store: store, auditLog: auditLog, interval: interval}
}

// Start begins the background scan loop. It is a no-op if already running.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.runLoop()
}

// Stop halts the scan loop and blocks until it has exited. A no-op if
// not running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	stop, done := w.stop, w.done
	w.running = false
	w.mu.Unlock()

	close(stop)
	<-done
}

// IsRunning reports whether the scan loop is active.
func (w *Watchdog) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watchdog) runLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.checkTasks()
		}
	}
}

func (w *Watchdog) checkTasks() {
	for _, s := range w.store.Snapshot() {
		if s.Status() != task.Running {
			continue
		}
		w.checkOvertime(s)
	}
}

// Info carries the started-at time and soft timeout for a running
// task; the watchdog is handed a read-only accessor closure so it
// never needs to import the executor package.
type Info struct {
	StartedAt   time.Time
	SoftTimeout time.Duration
}

// Accessor resolves the running-duration bookkeeping for a task ID.
// One Accessor is installed with SetAccessor; the executor records a
// task's bookkeeping when the task transitions to Running.
type Accessor func(taskID string) (Info, bool)

func (w *Watchdog) checkOvertime(s *task.State) {
	info, ok := w.accessor(s.Task.ID)
	if !ok {
		return
	}
	hardLimit := time.Duration(float64(info.SoftTimeout) * HardKillMultiplier)
	elapsed := time.Since(info.StartedAt)
	if elapsed < hardLimit {
		return
	}

	s.Cancel()
	_ = s.SetStatus(task.Failed)
	w.auditLog.Record("watchdog.force_kill", s.Task.ID, map[string]any{
		"elapsed_seconds":    elapsed.Seconds(),
		"hard_limit_seconds": hardLimit.Seconds(),
	})
	slog.Warn("watchdog.force_kill", "task_id", s.Task.ID, "elapsed", elapsed, "hard_limit", hardLimit)
}

// accessor is set via SetAccessor by whoever constructs the watchdog
// (the executor, which tracks start times); nil means overtime checks
// are disabled (used in unit tests of the scan loop itself).
func (w *Watchdog) accessor(taskID string) (Info, bool) {
	w.mu.Lock()
	fn := w.accessorFn
	w.mu.Unlock()
	if fn == nil {
		return Info{}, false
	}
	return fn(taskID)
}

// SetAccessor installs the function used to resolve each running
// task's start time and soft timeout.
func (w *Watchdog) SetAccessor(fn Accessor) {
	w.mu.Lock()
	w.accessorFn = fn
	w.mu.Unlock()
}
