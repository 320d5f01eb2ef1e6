// Package coordinator schedules tasks against the shared design database.
// This file implements reporting of long-running tasks.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/layoutd/internal/task"
)

// TaskWatch tracks how long one running task has been inside Run.
// Thread-safe: Protected by TaskMonitor's mutex when accessed.
type TaskWatch struct {
	Started  time.Time     // When the task entered Run
	LastSeen time.Time     // Last check that found it still running
	Name     string        // Task name
	Elapsed  time.Duration // Elapsed time at the last check
	Reported bool          // Whether the threshold report has been emitted
}

// TaskMonitor periodically inspects running tasks and reports, once per task,
// those running longer than a threshold. It never stops a task.
// Thread-safe: All methods are safe for concurrent access.
type TaskMonitor struct {
	tasks        map[uuid.UUID]*TaskWatch                 // Running tasks seen so far
	onLongRunner func(name string, elapsed time.Duration) // Report hook
	logger       *slog.Logger                             // Destination for reports
	ctx          context.Context                          // Context for cancellation
	cancel       context.CancelFunc                       // Cancel function for shutdown
	interval     time.Duration                            // How often to check
	threshold    time.Duration                            // Elapsed time that triggers a report
	mu           sync.RWMutex                             // Protects tasks map and stopped
	wg           sync.WaitGroup                           // Wait group for graceful shutdown
	stopped      bool                                     // Set by Stop; later Starts return at once
}

// NewTaskMonitor creates a monitor that checks every interval and reports
// tasks running longer than threshold.
//
// Example:
//
//	monitor := NewTaskMonitor(time.Second, 10*time.Second, logger)
//	go monitor.Start(ctx, coord.Running)
func NewTaskMonitor(interval, threshold time.Duration, logger *slog.Logger) *TaskMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskMonitor{
		tasks:     make(map[uuid.UUID]*TaskWatch),
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnLongRunner sets a callback invoked when a task first crosses the
// threshold, in addition to the log line.
func (m *TaskMonitor) SetOnLongRunner(callback func(name string, elapsed time.Duration)) {
	m.onLongRunner = callback
}

// Start runs the monitor in the current goroutine until ctx or Stop ends it.
// source returns the envelopes currently running, typically
// Coordinator.Running.
func (m *TaskMonitor) Start(ctx context.Context, source func() []*task.Envelope) {
	// Add under the lock Stop takes, so Stop never waits before it.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("task monitor started", "interval", m.interval, "threshold", m.threshold)

	for {
		select {
		case <-ticker.C:
			m.checkAll(source())
		case <-ctx.Done():
			m.logger.Debug("task monitor stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			m.logger.Debug("task monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop shuts the monitor down and waits for Start to return.
func (m *TaskMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// checkAll updates the watch for every running envelope and forgets the
// ones that are no longer running.
func (m *TaskMonitor) checkAll(running []*task.Envelope) {
	now := time.Now()
	current := make(map[uuid.UUID]bool, len(running))

	for _, env := range running {
		current[env.ID] = true
		_, started, _ := env.Times()
		if started.IsZero() {
			continue
		}
		m.check(env.ID, env.Name(), started, now)
	}

	m.mu.Lock()
	for id := range m.tasks {
		if !current[id] {
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()
}

func (m *TaskMonitor) check(id uuid.UUID, name string, started, now time.Time) {
	m.mu.Lock()
	w, exists := m.tasks[id]
	if !exists {
		w = &TaskWatch{Name: name, Started: started}
		m.tasks[id] = w
	}
	w.LastSeen = now
	w.Elapsed = now.Sub(started)

	report := !w.Reported && w.Elapsed >= m.threshold
	if report {
		w.Reported = true
	}
	elapsed := w.Elapsed
	m.mu.Unlock()

	if report {
		m.logger.Warn("task still running", "task", name, "id", id, "elapsed", elapsed.Round(time.Millisecond))
		if m.onLongRunner != nil {
			m.onLongRunner(name, elapsed)
		}
	}
}

// Watch returns a copy of the watch for id, or nil if it is not tracked.
func (m *TaskMonitor) Watch(id uuid.UUID) *TaskWatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.tasks[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// Tracked returns how many running tasks the monitor currently tracks.
func (m *TaskMonitor) Tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
