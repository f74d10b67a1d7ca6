package agentrun

import (
	"context"
	"fmt"
	"sync"
)

// AutoApprover approves every step immediately. It preserves the
// fire-and-forget behavior for callers that do not wire a human-in-the-loop
// surface: the approval.required event is still emitted, but execution does
// not block.
type AutoApprover struct{}

func (AutoApprover) Await(context.Context, string, int) (bool, error) {
	return true, nil
}

// ApprovalHub is an in-process Approver. External surfaces (an HTTP handler,
// a CLI) call Approve or Reject with the task id and step number; the
// executor blocks in Await until the decision lands or its context ends.
type ApprovalHub struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprovalHub creates an empty hub.
func NewApprovalHub() *ApprovalHub {
	return &ApprovalHub{pending: make(map[string]chan bool)}
}

func approvalKey(taskID string, step int) string {
	return fmt.Sprintf("%s/%d", taskID, step)
}

// Await blocks until Approve or Reject is called for the same task and step,
// or until ctx is done.
func (h *ApprovalHub) Await(ctx context.Context, taskID string, step int) (bool, error) {
	key := approvalKey(taskID, step)

	h.mu.Lock()
	ch, exists := h.pending[key]
	if !exists {
		ch = make(chan bool, 1)
		h.pending[key] = ch
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, key)
		h.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case approved := <-ch:
		return approved, nil
	}
}

// Approve releases a waiting step with a positive decision. A decision that
// arrives before Await is buffered so the two cannot race.
func (h *ApprovalHub) Approve(taskID string, step int) {
	h.decide(taskID, step, true)
}

// Reject releases a waiting step with a negative decision.
func (h *ApprovalHub) Reject(taskID string, step int) {
	h.decide(taskID, step, false)
}

func (h *ApprovalHub) decide(taskID string, step int, approved bool) {
	key := approvalKey(taskID, step)

	h.mu.Lock()
	ch, exists := h.pending[key]
	if !exists {
		ch = make(chan bool, 1)
		h.pending[key] = ch
	}
	h.mu.Unlock()

	select {
	case ch <- approved:
	default:
	}
}
