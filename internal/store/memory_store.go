// Package store provides the in-memory task and user store. It is the
// default persistence collaborator for single-process deployments and the
// reference implementation of the Store contract.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/halcyonlabs/agentrun"
)

// MemoryStore is a thread-safe in-memory implementation of agentrun.Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*agentrun.Task
	traces map[string][]agentrun.TraceEntry
	users  map[string]*agentrun.User
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*agentrun.Task),
		traces: make(map[string][]agentrun.TraceEntry),
		users:  make(map[string]*agentrun.User),
	}
}

// PutTask inserts or replaces a task record.
func (s *MemoryStore) PutTask(task *agentrun.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = task
}

// PutUser inserts or replaces a user record.
func (s *MemoryStore) PutUser(user *agentrun.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// GetTask implements agentrun.Store. The returned value is a copy; callers
// mutate their copy and write back through the store methods.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*agentrun.Task, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("task not found", nil))
	}
	copied := *task
	return &copied, nil
}

// GetTrace returns the persisted trace for a finished task.
func (s *MemoryStore) GetTrace(ctx context.Context, taskID string) ([]agentrun.TraceEntry, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[taskID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("trace not found", nil))
	}
	return trace, nil
}

// UpdateTaskStatus implements agentrun.Store. Illegal transitions are
// rejected so a stale worker cannot move a terminal task.
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status agentrun.TaskStatus) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("task not found", nil))
	}
	if task.Status == status {
		return nil
	}
	if !agentrun.CanTransition(task.Status, status) {
		return errbuilder.GenericErr("invalid status transition", nil)
	}

	now := time.Now().UTC()
	task.Status = status
	switch status {
	case agentrun.TaskStatusExecuting:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case agentrun.TaskStatusCompleted:
		task.CompletedAt = &now
	case agentrun.TaskStatusFailed, agentrun.TaskStatusCancelled:
		task.FailedAt = &now
	}
	return nil
}

// SavePlan implements agentrun.Store.
func (s *MemoryStore) SavePlan(ctx context.Context, taskID string, plan *agentrun.ExecutionPlan) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("task not found", nil))
	}
	task.Plan = plan
	task.TotalSteps = len(plan.Steps)
	return nil
}

// SaveProgress implements agentrun.Store.
func (s *MemoryStore) SaveProgress(ctx context.Context, taskID string, currentStep, creditsUsed, tokensUsed int) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("task not found", nil))
	}
	task.CurrentStep = currentStep
	task.CreditsUsed = creditsUsed
	task.TokensUsed = tokensUsed
	return nil
}

// FinishTask implements agentrun.Store. The status change, result, trace and
// aggregates land under a single lock acquisition.
func (s *MemoryStore) FinishTask(ctx context.Context, done agentrun.TaskCompletion) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[done.TaskID]
	if !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("task not found", nil))
	}

	task.Status = done.Status
	task.Result = done.Result
	task.Error = done.Error
	task.CurrentStep = done.CurrentStep
	task.CreditsUsed = done.CreditsUsed
	task.TokensUsed = done.TokensUsed

	finished := done.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	if done.Status == agentrun.TaskStatusCompleted {
		task.CompletedAt = &finished
	} else {
		task.FailedAt = &finished
	}

	s.traces[done.TaskID] = done.Trace
	return nil
}

// GetUser implements agentrun.Store.
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*agentrun.User, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("user not found", nil))
	}
	copied := *user
	return &copied, nil
}

// AddCreditsUsed implements agentrun.Store.
func (s *MemoryStore) AddCreditsUsed(ctx context.Context, userID string, credits int) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("user not found", nil))
	}
	user.CreditsUsed += credits
	return nil
}
