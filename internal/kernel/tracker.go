package kernel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oeway/kernel-engine/internal/metrics"
)

// ExecInfo summarizes a kernel's in-flight executions.
type ExecInfo struct {
	Count            int
	LongestRunningMs int64
	Stuck            bool
}

// Tracker is the manager's execution bookkeeping: in-flight execution
// sets, per-execution stall alarms, and last-activity timestamps. All
// state is guarded by one mutex; alarm callbacks fire off-lock.
type Tracker struct {
	mu           sync.Mutex
	ongoing      map[string]map[string]time.Time // kernelID -> execID -> start
	deadlines    map[string]map[string]*time.Timer
	lastActivity map[string]time.Time
	total        int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ongoing:      make(map[string]map[string]time.Time),
		deadlines:    make(map[string]map[string]*time.Timer),
		lastActivity: make(map[string]time.Time),
	}
}

// Begin registers a new execution and returns its id.
func (t *Tracker) Begin(kernelID string) string {
	execID := uuid.NewString()
	now := time.Now()

	t.mu.Lock()
	byExec, ok := t.ongoing[kernelID]
	if !ok {
		byExec = make(map[string]time.Time)
		t.ongoing[kernelID] = byExec
	}
	byExec[execID] = now
	t.lastActivity[kernelID] = now
	t.total++
	total := t.total
	t.mu.Unlock()

	metrics.SetOngoingExecutions(total)
	return execID
}

// End completes an execution and cancels its stall alarm. Unknown ids are
// ignored; cancellation and normal completion may race to call it.
func (t *Tracker) End(kernelID, execID string) {
	t.mu.Lock()
	byExec, ok := t.ongoing[kernelID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := byExec[execID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(byExec, execID)
	if len(byExec) == 0 {
		delete(t.ongoing, kernelID)
	}
	if timer := t.takeDeadlineLocked(kernelID, execID); timer != nil {
		timer.Stop()
	}
	t.lastActivity[kernelID] = time.Now()
	t.total--
	total := t.total
	t.mu.Unlock()

	metrics.SetOngoingExecutions(total)
}

// Touch refreshes a kernel's activity clock.
func (t *Tracker) Touch(kernelID string) {
	t.mu.Lock()
	t.lastActivity[kernelID] = time.Now()
	t.mu.Unlock()
}

// LastActivity returns the kernel's activity clock; zero when unknown.
func (t *Tracker) LastActivity(kernelID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity[kernelID]
}

// Count returns the number of in-flight executions on a kernel.
func (t *Tracker) Count(kernelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ongoing[kernelID])
}

// Info reports the kernel's execution state. Stuck means the longest
// in-flight execution has outlived maxExecutionTime (0 disables).
func (t *Tracker) Info(kernelID string, maxExecutionTime time.Duration) ExecInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := ExecInfo{Count: len(t.ongoing[kernelID])}
	now := time.Now()
	for _, start := range t.ongoing[kernelID] {
		if ms := now.Sub(start).Milliseconds(); ms > info.LongestRunningMs {
			info.LongestRunningMs = ms
		}
	}
	if maxExecutionTime > 0 && info.LongestRunningMs > maxExecutionTime.Milliseconds() {
		info.Stuck = true
	}
	return info
}

// ExecIDs returns the in-flight execution ids of a kernel.
func (t *Tracker) ExecIDs(kernelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.ongoing[kernelID]))
	for id := range t.ongoing[kernelID] {
		ids = append(ids, id)
	}
	return ids
}

// ArmDeadline schedules the stall alarm for one execution. The alarm is
// one-shot; End or DropKernel cancels it.
func (t *Tracker) ArmDeadline(kernelID, execID string, d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, fire)

	t.mu.Lock()
	byExec, ok := t.deadlines[kernelID]
	if !ok {
		byExec = make(map[string]*time.Timer)
		t.deadlines[kernelID] = byExec
	}
	byExec[execID] = timer
	t.mu.Unlock()
}

// DropKernel removes all of a kernel's tracking state and cancels its
// pending alarms. Called during destroy before the instance is released.
func (t *Tracker) DropKernel(kernelID string) {
	t.mu.Lock()
	t.total -= len(t.ongoing[kernelID])
	total := t.total
	delete(t.ongoing, kernelID)
	delete(t.lastActivity, kernelID)
	timers := t.deadlines[kernelID]
	delete(t.deadlines, kernelID)
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	metrics.SetOngoingExecutions(total)
}

func (t *Tracker) takeDeadlineLocked(kernelID, execID string) *time.Timer {
	byExec, ok := t.deadlines[kernelID]
	if !ok {
		return nil
	}
	timer := byExec[execID]
	delete(byExec, execID)
	if len(byExec) == 0 {
		delete(t.deadlines, kernelID)
	}
	return timer
}
