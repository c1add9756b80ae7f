package workflow

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"flotilla/internal/api"
	"flotilla/pkg/logging"
)

// RunningExecution is one entry in the tracker's table.
type RunningExecution struct {
	ID           string    `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	StartedAt    time.Time `json:"started_at"`
}

type trackedExecution struct {
	RunningExecution
	cancelled atomic.Bool
}

// Tracker holds the in-memory table of running executions and their
// cancellation flags. The Engine registers an execution before the first node
// runs, polls the flag between nodes and deregisters on completion.
type Tracker struct {
	mu      sync.RWMutex
	running map[string]*trackedExecution
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]*trackedExecution)}
}

// Register adds an execution to the running table.
func (t *Tracker) Register(id, workflowName string) {
	t.mu.Lock()
	t.running[id] = &trackedExecution{
		RunningExecution: RunningExecution{
			ID:           id,
			WorkflowName: workflowName,
			StartedAt:    time.Now().UTC(),
		},
	}
	t.mu.Unlock()
}

// Deregister removes an execution from the running table.
func (t *Tracker) Deregister(id string) {
	t.mu.Lock()
	delete(t.running, id)
	t.mu.Unlock()
}

// Cancel sets the cancellation flag for a running execution. Cancellation is
// cooperative: the flag is observed between nodes, so an in-flight tool call
// completes normally.
func (t *Tracker) Cancel(id string) error {
	t.mu.RLock()
	exec, ok := t.running[id]
	t.mu.RUnlock()
	if !ok {
		return api.NewNotFoundError("execution", id)
	}

	exec.cancelled.Store(true)
	logging.Info("ExecutionTracker", "Cancellation requested for execution %s", id)
	return nil
}

// IsCancelled reports whether cancellation has been requested for the given
// execution. Unknown ids report false.
func (t *Tracker) IsCancelled(id string) bool {
	t.mu.RLock()
	exec, ok := t.running[id]
	t.mu.RUnlock()
	return ok && exec.cancelled.Load()
}

// List returns the running executions ordered by start time.
func (t *Tracker) List() []RunningExecution {
	t.mu.RLock()
	out := make([]RunningExecution, 0, len(t.running))
	for _, exec := range t.running {
		out = append(out, exec.RunningExecution)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
