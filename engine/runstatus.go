package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/halcyonlabs/agentrun"
)

// RunStatus describes a fallback run started by SubmitTask while the queue
// was degraded.
type RunStatus struct {
	RunID      string              `json:"run_id"`
	TaskID     string              `json:"task_id"`
	Status     agentrun.TaskStatus `json:"status"`
	StartTime  time.Time           `json:"start_time"`
	Duration   time.Duration       `json:"duration"`
	IsComplete bool                `json:"is_complete"`
	Error      string              `json:"error,omitempty"`
}

type runEntry struct {
	taskID   string
	status   agentrun.TaskStatus
	err      string
	started  time.Time
	finished time.Time
}

// runTracker records in-process fallback runs so callers can poll them the
// way they would poll a queued job.
type runTracker struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*runEntry)}
}

func (t *runTracker) start(runID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = &runEntry{
		taskID:  taskID,
		status:  agentrun.TaskStatusExecuting,
		started: time.Now().UTC(),
	}
}

func (t *runTracker) finish(runID string, status agentrun.TaskStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.runs[runID]
	if !ok {
		return
	}
	entry.status = status
	entry.err = errMsg
	entry.finished = time.Now().UTC()
}

func (t *runTracker) status(runID string) (*RunStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.runs[runID]
	if !ok {
		return nil, agentrun.NewValidationError("queue",
			fmt.Sprintf("run with ID '%s' not found", runID), nil)
	}
	return entry.snapshot(runID), nil
}

func (t *runTracker) list() []*RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RunStatus, 0, len(t.runs))
	for id, entry := range t.runs {
		out = append(out, entry.snapshot(id))
	}
	return out
}

func (t *runTracker) cleanup(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, entry := range t.runs {
		if entry.status.IsTerminal() && entry.finished.Before(cutoff) {
			delete(t.runs, id)
			removed++
		}
	}
	return removed
}

func (e *runEntry) snapshot(runID string) *RunStatus {
	status := &RunStatus{
		RunID:      runID,
		TaskID:     e.taskID,
		Status:     e.status,
		StartTime:  e.started,
		IsComplete: e.status.IsTerminal(),
		Error:      e.err,
	}
	if e.finished.IsZero() {
		status.Duration = time.Since(e.started)
	} else {
		status.Duration = e.finished.Sub(e.started)
	}
	return status
}

// GetRunStatus returns the status of a fallback run started by SubmitTask.
func (r *Runtime) GetRunStatus(runID string) (*RunStatus, error) {
	return r.runs.status(runID)
}

// ListRuns lists all tracked fallback runs.
func (r *Runtime) ListRuns() []*RunStatus {
	return r.runs.list()
}

// CleanupFinishedRuns drops terminal runs finished more than olderThan ago
// and returns the number removed.
func (r *Runtime) CleanupFinishedRuns(olderThan time.Duration) int {
	return r.runs.cleanup(olderThan)
}
