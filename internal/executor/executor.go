// Package executor runs execution plans step by step, reasoning before each
// action and observing each result.
package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/eventbus"
	"github.com/halcyonlabs/agentrun/internal/registry"
)

const reasoningSystemPrompt = `You are the reasoning core of an autonomous agent executing a plan.
State in one or two sentences why the upcoming step is the right next action given the results so far.`

// AgentExecutor drives one task run at a time per call: plan, then execute
// the steps sequentially with per-step reasoning, retries and checkpoints.
type AgentExecutor struct {
	registry *registry.Registry
	planner  agentrun.Planner
	model    agentrun.ChatModel
	store    agentrun.Store
	bus      eventbus.EventBus
	approver agentrun.Approver
	progress func(taskID string, completedSteps, totalSteps int)
	observe  func(outcome string, elapsed time.Duration)

	mu      sync.Mutex
	pauses  map[string]bool
	cancels map[string]context.CancelFunc
	resumes map[string]*pausedRun
}

// pausedRun snapshots an in-flight run at a step boundary so Resume can
// continue it without replaying completed steps.
type pausedRun struct {
	state    *agentrun.AgentState
	checksum string
	started  time.Time
}

// ExecutorOption configures an AgentExecutor.
type ExecutorOption func(*AgentExecutor)

// WithEventBus attaches an event bus for lifecycle events.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *AgentExecutor) {
		e.bus = bus
	}
}

// WithApprover sets the gate consulted for steps requiring approval.
func WithApprover(approver agentrun.Approver) ExecutorOption {
	return func(e *AgentExecutor) {
		e.approver = approver
	}
}

// WithProgressFunc registers a callback invoked after every completed step.
func WithProgressFunc(fn func(taskID string, completedSteps, totalSteps int)) ExecutorOption {
	return func(e *AgentExecutor) {
		e.progress = fn
	}
}

// WithStepObserver registers a callback invoked once per tool attempt with
// its outcome ("completed" or "failed") and duration.
func WithStepObserver(fn func(outcome string, elapsed time.Duration)) ExecutorOption {
	return func(e *AgentExecutor) {
		e.observe = fn
	}
}

// NewAgentExecutor creates an executor over the given collaborators.
func NewAgentExecutor(reg *registry.Registry, planner agentrun.Planner, model agentrun.ChatModel, store agentrun.Store, options ...ExecutorOption) *AgentExecutor {
	e := &AgentExecutor{
		registry: reg,
		planner:  planner,
		model:    model,
		store:    store,
		approver: agentrun.AutoApprover{},
		pauses:   make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
		resumes:  make(map[string]*pausedRun),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Plan generates and validates an execution plan for the task.
func (e *AgentExecutor) Plan(ctx context.Context, task *agentrun.Task) (*agentrun.ExecutionPlan, error) {
	plan, err := e.planner.Plan(ctx, task, e.registry.Catalogue())
	if err != nil {
		return nil, err
	}

	cfg := effectiveConfig(task)
	if len(plan.Steps) > cfg.MaxSteps {
		return nil, agentrun.NewValidationError("planning",
			fmt.Sprintf("plan has %d steps, exceeding the limit of %d", len(plan.Steps), cfg.MaxSteps), nil)
	}
	return plan, nil
}

// Execute runs the plan from the first step and persists the outcome as one
// completion record. The returned completion is also persisted on failure
// paths; the error describes why the run did not complete.
func (e *AgentExecutor) Execute(ctx context.Context, task *agentrun.Task, plan *agentrun.ExecutionPlan) (*agentrun.TaskCompletion, error) {
	state := agentrun.NewAgentState(task.ID, len(plan.Steps))
	e.publish(ctx, eventbus.EventTaskStarted, task.ID, map[string]any{
		"goal":  task.Goal,
		"steps": len(plan.Steps),
	})
	return e.run(ctx, task, plan, state, 1, time.Now())
}

// Pause requests suspension of a running task at the next step boundary.
func (e *AgentExecutor) Pause(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses[taskID] = true
}

// Cancel aborts a running task. The run observes the cancellation at the
// next step boundary and finishes with a cancelled status.
func (e *AgentExecutor) Cancel(taskID string) {
	e.mu.Lock()
	cancel := e.cancels[taskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume continues a paused task from the step after its checkpoint. The
// task's plan must be byte-identical to the plan that was paused; drift is
// rejected rather than guessed at.
func (e *AgentExecutor) Resume(ctx context.Context, task *agentrun.Task) (*agentrun.TaskCompletion, error) {
	e.mu.Lock()
	snapshot, ok := e.resumes[task.ID]
	if ok {
		delete(e.resumes, task.ID)
	}
	e.mu.Unlock()

	if !ok {
		return nil, agentrun.NewInternalError("execution",
			fmt.Sprintf("no paused run found for task %s", task.ID), nil)
	}
	if task.Plan == nil || task.Plan.Checksum() != snapshot.checksum {
		return nil, agentrun.NewValidationError("execution",
			fmt.Sprintf("plan for task %s changed while paused", task.ID), nil)
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, agentrun.TaskStatusExecuting); err != nil {
		return nil, err
	}
	log.Printf("Resuming task %s from step %d", task.ID, snapshot.state.CurrentStep+1)
	return e.run(ctx, task, task.Plan, snapshot.state, snapshot.state.CurrentStep+1, snapshot.started)
}

// run is the ReAct loop shared by Execute and Resume.
func (e *AgentExecutor) run(ctx context.Context, task *agentrun.Task, plan *agentrun.ExecutionPlan, state *agentrun.AgentState, startStep int, startedAt time.Time) (*agentrun.TaskCompletion, error) {
	cfg := effectiveConfig(task)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	e.mu.Lock()
	e.cancels[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.ID)
		e.mu.Unlock()
	}()

	for i := startStep; i <= len(plan.Steps); i++ {
		// Step boundary: cancellation and pause are only honored here, never
		// mid-step.
		if err := runCtx.Err(); err != nil {
			return e.finish(ctx, task, state, agentrun.TaskStatusCancelled, nil, agentrun.NewCancelledError("execution", err), startedAt)
		}
		if e.takePauseRequest(task.ID) {
			return e.pause(ctx, task, plan, state, startedAt)
		}

		step := plan.Steps[i-1]
		e.publish(runCtx, eventbus.EventTaskStepStarted, task.ID, map[string]any{
			"step":   step.Number,
			"action": step.Action,
			"tool":   step.Tool,
		})

		reasoning := e.reason(runCtx, cfg, step, state)

		if err := e.executeStep(runCtx, task, cfg, step, state, reasoning); err != nil {
			if agentrun.IsCode(err, agentrun.ErrCodeCancelled) {
				return e.finish(ctx, task, state, agentrun.TaskStatusCancelled, nil, err, startedAt)
			}
			return e.finish(ctx, task, state, agentrun.TaskStatusFailed, nil, err, startedAt)
		}

		state.CurrentStep = step.Number
		if err := e.store.SaveProgress(runCtx, task.ID, state.CurrentStep, state.CreditsUsed, state.TokensUsed); err != nil {
			log.Printf("Failed to checkpoint task %s at step %d: %v", task.ID, step.Number, err)
		}
		e.publish(runCtx, eventbus.EventTaskStepCompleted, task.ID, map[string]any{
			"step":    step.Number,
			"credits": state.CreditsUsed,
		})
		if e.progress != nil {
			e.progress(task.ID, step.Number, len(plan.Steps))
		}
	}

	result := map[string]any{
		"steps_completed": len(plan.Steps),
	}
	if last, ok := state.Context[stepKey(len(plan.Steps))]; ok {
		result["output"] = last
	}
	return e.finish(ctx, task, state, agentrun.TaskStatusCompleted, result, nil, startedAt)
}

// executeStep resolves, validates, gates and runs one step, retrying tool
// execution failures up to the configured bound.
func (e *AgentExecutor) executeStep(ctx context.Context, task *agentrun.Task, cfg *agentrun.AgentConfig, step agentrun.ExecutionStep, state *agentrun.AgentState, reasoning string) error {
	tool, ok := e.registry.Get(step.Tool)
	if !ok {
		err := agentrun.NewToolNotFoundError("execution", step.Tool)
		state.Trace = append(state.Trace, traceEntry(step, reasoning, nil, agentrun.TraceFailed, err.Error(), 0, 0, 0))
		e.publishStepFailed(ctx, task.ID, step.Number, err)
		return err
	}

	if err := tool.Validate(step.Params); err != nil {
		verr := agentrun.NewValidationError("execution",
			fmt.Sprintf("step %d parameters rejected by tool '%s'", step.Number, step.Tool), err)
		state.Trace = append(state.Trace, traceEntry(step, reasoning, nil, agentrun.TraceFailed, verr.Error(), 0, 0, 0))
		e.publishStepFailed(ctx, task.ID, step.Number, verr)
		return verr
	}

	if step.RequiresApproval && !cfg.AutoApprove {
		e.publish(ctx, eventbus.EventApprovalRequired, task.ID, map[string]any{
			"step":   step.Number,
			"action": step.Action,
			"tool":   step.Tool,
		})
		approved, err := e.approver.Await(ctx, task.ID, step.Number)
		if err != nil {
			if ctx.Err() != nil {
				return agentrun.NewCancelledError("execution", ctx.Err())
			}
			return agentrun.NewInternalError("execution",
				fmt.Sprintf("approval wait failed for step %d", step.Number), err)
		}
		if !approved {
			rerr := agentrun.NewApprovalRejectedError(step.Number)
			state.Trace = append(state.Trace, traceEntry(step, reasoning, nil, agentrun.TraceFailed, rerr.Error(), 0, 0, 0))
			e.publishStepFailed(ctx, task.ID, step.Number, rerr)
			return rerr
		}
	}

	maxAttempts := 1
	if step.Retryable {
		maxAttempts = cfg.RetryCount + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := time.Now()
		// Tools run to completion; cancellation is honored at step
		// boundaries, never mid-call.
		result, err := tool.Execute(context.WithoutCancel(ctx), step.Params, state.Context)
		elapsed := time.Since(started)

		if err == nil && result == nil {
			err = agentrun.NewInternalError("execution",
				fmt.Sprintf("tool '%s' returned neither result nor error", step.Tool), nil)
			state.Trace = append(state.Trace, traceEntry(step, reasoning, nil, agentrun.TraceFailed, err.Error(), elapsed, 0, 0))
			e.observeStep("failed", elapsed)
			e.publishStepFailed(ctx, task.ID, step.Number, err)
			return err
		}

		if err == nil && result.Success {
			state.Context[stepKey(step.Number)] = result.Data
			state.AddUsage(result.Credits, result.Tokens)
			state.Trace = append(state.Trace, traceEntry(step, reasoning, result.Data, agentrun.TraceCompleted, "", elapsed, result.Credits, result.Tokens))
			e.observeStep("completed", elapsed)
			return nil
		}

		// A result reporting failure is the same class of fault as an error.
		if err == nil {
			err = fmt.Errorf("%s", result.Error)
		}
		if result != nil {
			state.AddUsage(result.Credits, result.Tokens)
		}
		lastErr = agentrun.NewToolExecutionError("execution", step.Tool, err)
		state.Trace = append(state.Trace, traceEntry(step, reasoning, nil, agentrun.TraceFailed, lastErr.Error(), elapsed, toolCredits(result), toolTokens(result)))
		e.observeStep("failed", elapsed)
		e.publishStepFailed(ctx, task.ID, step.Number, lastErr)

		if attempt == maxAttempts {
			break
		}
		log.Printf("Step %d of task %s failed (attempt %d/%d), retrying: %v",
			step.Number, task.ID, attempt, maxAttempts, err)
		select {
		case <-ctx.Done():
			return agentrun.NewCancelledError("execution", ctx.Err())
		case <-time.After(cfg.RetryDelay):
		}
	}
	return lastErr
}

// reason asks the cheap model for a one-line rationale. Any failure falls
// back to a deterministic template so reasoning never blocks execution.
func (e *AgentExecutor) reason(ctx context.Context, cfg *agentrun.AgentConfig, step agentrun.ExecutionStep, state *agentrun.AgentState) string {
	fallback := fmt.Sprintf("Executing step %d: %s using %s", step.Number, step.Action, step.Tool)
	if e.model == nil {
		return fallback
	}

	prompt := fmt.Sprintf("Completed steps: %d of %d.\nNext step: %s (tool: %s).\nDescription: %s",
		state.CurrentStep, state.TotalSteps, step.Action, step.Tool, step.Description)
	resp, err := e.model.Chat(ctx, agentrun.ChatRequest{
		Model:     cfg.ReasoningModel,
		System:    reasoningSystemPrompt,
		Messages:  []agentrun.ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 256,
	})
	if err != nil {
		log.Printf("Reasoning call failed for step %d, using template: %v", step.Number, err)
		return fallback
	}
	state.AddUsage(0, resp.InputTokens+resp.OutputTokens)
	return resp.Content
}

// pause checkpoints the run and parks its state for a later Resume.
func (e *AgentExecutor) pause(ctx context.Context, task *agentrun.Task, plan *agentrun.ExecutionPlan, state *agentrun.AgentState, startedAt time.Time) (*agentrun.TaskCompletion, error) {
	if err := e.store.UpdateTaskStatus(ctx, task.ID, agentrun.TaskStatusPaused); err != nil {
		return nil, err
	}
	if err := e.store.SaveProgress(ctx, task.ID, state.CurrentStep, state.CreditsUsed, state.TokensUsed); err != nil {
		log.Printf("Failed to checkpoint paused task %s: %v", task.ID, err)
	}

	e.mu.Lock()
	e.resumes[task.ID] = &pausedRun{state: state, checksum: plan.Checksum(), started: startedAt}
	e.mu.Unlock()

	e.publish(ctx, eventbus.EventTaskPaused, task.ID, map[string]any{"step": state.CurrentStep})
	log.Printf("Task %s paused after step %d", task.ID, state.CurrentStep)
	return nil, nil
}

// finish persists the terminal outcome as one logical update and emits the
// matching lifecycle event.
func (e *AgentExecutor) finish(ctx context.Context, task *agentrun.Task, state *agentrun.AgentState, status agentrun.TaskStatus, result map[string]any, runErr error, startedAt time.Time) (*agentrun.TaskCompletion, error) {
	done := agentrun.TaskCompletion{
		TaskID:      task.ID,
		Status:      status,
		Result:      result,
		Trace:       state.Trace,
		CreditsUsed: state.CreditsUsed,
		TokensUsed:  state.TokensUsed,
		CurrentStep: state.CurrentStep,
		Duration:    time.Since(startedAt),
		FinishedAt:  time.Now().UTC(),
	}
	if runErr != nil {
		done.Error = runErr.Error()
	}

	// Persist with a fresh context so a cancelled run still records its end.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.FinishTask(persistCtx, done); err != nil {
		log.Printf("Failed to persist completion for task %s: %v", task.ID, err)
	}

	switch status {
	case agentrun.TaskStatusCompleted:
		e.publish(persistCtx, eventbus.EventTaskCompleted, task.ID, map[string]any{
			"credits": state.CreditsUsed,
			"tokens":  state.TokensUsed,
		})
	case agentrun.TaskStatusCancelled:
		e.publish(persistCtx, eventbus.EventTaskCancelled, task.ID, map[string]any{"step": state.CurrentStep})
	default:
		e.publish(persistCtx, eventbus.EventTaskFailed, task.ID, map[string]any{"error": done.Error})
	}
	return &done, runErr
}

func (e *AgentExecutor) takePauseRequest(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses[taskID] {
		delete(e.pauses, taskID)
		return true
	}
	return false
}

// publishStepFailed emits one failure event per failed attempt, so a step
// that fails and later succeeds still leaves a failure record on the bus.
func (e *AgentExecutor) publishStepFailed(ctx context.Context, taskID string, step int, err error) {
	e.publish(ctx, eventbus.EventTaskStepFailed, taskID, map[string]any{
		"step":  step,
		"error": err.Error(),
	})
}

func (e *AgentExecutor) observeStep(outcome string, elapsed time.Duration) {
	if e.observe != nil {
		e.observe(outcome, elapsed)
	}
}

func (e *AgentExecutor) publish(ctx context.Context, eventType eventbus.EventType, taskID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, payload, "executor", map[string]any{"task_id": taskID})
	if err := e.bus.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish %s for task %s: %v", eventType, taskID, err)
	}
}

func effectiveConfig(task *agentrun.Task) *agentrun.AgentConfig {
	if task.Config != nil {
		return task.Config
	}
	return agentrun.DefaultAgentConfig()
}

func stepKey(n int) string {
	return fmt.Sprintf("step%d", n)
}

func traceEntry(step agentrun.ExecutionStep, reasoning string, output map[string]any, status agentrun.TraceStatus, errMsg string, elapsed time.Duration, credits, tokens int) agentrun.TraceEntry {
	return agentrun.TraceEntry{
		Step:       step.Number,
		Timestamp:  time.Now().UTC(),
		Action:     step.Action,
		Tool:       step.Tool,
		Reasoning:  reasoning,
		Input:      step.Params,
		Output:     output,
		Status:     status,
		Error:      errMsg,
		DurationMS: elapsed.Milliseconds(),
		Credits:    credits,
		Tokens:     tokens,
	}
}

func toolCredits(r *agentrun.ToolResult) int {
	if r == nil {
		return 0
	}
	return r.Credits
}

func toolTokens(r *agentrun.ToolResult) int {
	if r == nil {
		return 0
	}
	return r.Tokens
}
