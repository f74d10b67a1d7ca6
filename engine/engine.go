// Package engine wires the agentrun components into one runtime: tool
// registry, planner, executor, durable queue and worker, behind a small
// facade suitable for embedding in a server process.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/cache"
	"github.com/halcyonlabs/agentrun/internal/eventbus"
	"github.com/halcyonlabs/agentrun/internal/executor"
	"github.com/halcyonlabs/agentrun/internal/metrics"
	"github.com/halcyonlabs/agentrun/internal/planner"
	"github.com/halcyonlabs/agentrun/internal/queue"
	"github.com/halcyonlabs/agentrun/internal/registry"
	"github.com/halcyonlabs/agentrun/internal/worker"
)

// Runtime is the assembled engine. Construct with New; components not
// provided through options get working defaults.
type Runtime struct {
	config   agentrun.Config
	store    agentrun.Store
	model    agentrun.ChatModel
	notifier agentrun.Notifier
	approver agentrun.Approver
	metrics  *metrics.Metrics

	registry  *registry.Registry
	bus       eventbus.EventBus
	queue     *queue.TaskQueue
	planCache *cache.PlanCache
	executor  *executor.AgentExecutor
	worker    *worker.Worker

	runs *runTracker
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStore sets the persistence collaborator. Required.
func WithStore(store agentrun.Store) Option {
	return func(r *Runtime) {
		r.store = store
	}
}

// WithChatModel sets the generative model used for planning and reasoning.
// Required.
func WithChatModel(model agentrun.ChatModel) Option {
	return func(r *Runtime) {
		r.model = model
	}
}

// WithNotifier sets the completion/failure hook.
func WithNotifier(notifier agentrun.Notifier) Option {
	return func(r *Runtime) {
		r.notifier = notifier
	}
}

// WithApprover sets the gate for steps requiring approval.
func WithApprover(approver agentrun.Approver) Option {
	return func(r *Runtime) {
		r.approver = approver
	}
}

// WithEventBus replaces the default channel event bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(r *Runtime) {
		r.bus = bus
	}
}

// WithQueue replaces the default queue, mainly for tests that inject a
// scripted broker connection.
func WithQueue(q *queue.TaskQueue) Option {
	return func(r *Runtime) {
		r.queue = q
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// New assembles a Runtime from the given configuration and options.
func New(cfg agentrun.Config, options ...Option) (*Runtime, error) {
	r := &Runtime{
		config:   cfg,
		notifier: agentrun.NopNotifier{},
		registry: registry.New(),
		runs:     newRunTracker(),
	}
	for _, option := range options {
		option(r)
	}

	if r.store == nil {
		return nil, agentrun.NewConfigurationError("store is required", nil)
	}
	if r.model == nil {
		return nil, agentrun.NewConfigurationError("chat model is required", nil)
	}

	if r.bus == nil {
		r.bus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(cfg.EventBufferSize),
			eventbus.WithWorkerCount(cfg.EventWorkerCount),
		)
	}
	if r.approver == nil {
		if cfg.Agent.AutoApprove {
			r.approver = agentrun.AutoApprover{}
		} else {
			r.approver = agentrun.NewApprovalHub()
		}
	}
	if r.queue == nil {
		r.queue = queue.NewTaskQueue(cfg.QueueURL, cfg.QueueStream, cfg.QueueGroup,
			queue.WithEventBus(r.bus))
	}

	r.planCache = cache.NewPlanCache(10 * time.Minute)
	plans := planner.NewLLMPlanner(r.model, planner.WithCache(r.planCache))
	r.executor = executor.NewAgentExecutor(r.registry, plans, r.model, r.store,
		executor.WithEventBus(r.bus),
		executor.WithApprover(r.approver),
		// The worker does not exist yet, so bind the progress bridge lazily.
		executor.WithProgressFunc(func(taskID string, completed, total int) {
			r.worker.ProgressFunc()(taskID, completed, total)
		}),
		executor.WithStepObserver(func(outcome string, elapsed time.Duration) {
			if r.metrics != nil {
				r.metrics.RecordStep(outcome, elapsed)
			}
		}),
	)
	r.worker = worker.NewWorker(r.queue, r.store, r.executor,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithRateLimit(cfg.RateLimit, cfg.RateWindow),
		worker.WithNotifier(r.notifier),
		worker.WithMetrics(r.metrics),
	)

	return r, nil
}

// RegisterTool adds a tool to the runtime's registry.
func (r *Runtime) RegisterTool(tool agentrun.Tool) error {
	return r.registry.Register(tool)
}

// Tools lists the registered tool catalogue.
func (r *Runtime) Tools() []agentrun.ToolInfo {
	return r.registry.Catalogue()
}

// Connect establishes the queue's broker connection, bounded by the
// configured timeout. A failed connect is returned but the runtime stays
// usable in degraded mode.
func (r *Runtime) Connect(ctx context.Context) error {
	if r.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ConnectTimeout)
		defer cancel()
	}
	err := r.queue.Connect(ctx)
	if r.metrics != nil {
		r.metrics.SetQueueAvailable(r.queue.Available())
	}
	return err
}

// SubmitTask enqueues the task for asynchronous execution and returns the
// job id. When the queue is degraded the returned id carries the fallback
// prefix and the task is executed synchronously in a background run tracked
// by RunStatus.
func (r *Runtime) SubmitTask(ctx context.Context, taskID, ownerID string) (string, error) {
	jobID, err := r.queue.Enqueue(ctx, taskID, ownerID, 0)
	if err != nil {
		return "", err
	}

	if queue.IsFallbackID(jobID) {
		if r.metrics != nil {
			r.metrics.QueueFallbacks.Inc()
		}
		log.Printf("Queue degraded, running task %s synchronously as %s", taskID, jobID)
		r.runs.start(jobID, taskID)
		go func() {
			runCtx := context.Background()
			r.worker.ProcessJob(runCtx, queue.Job{ID: jobID, TaskID: taskID, OwnerID: ownerID})
			task, err := r.store.GetTask(runCtx, taskID)
			if err != nil {
				r.runs.finish(jobID, agentrun.TaskStatusFailed, err.Error())
				return
			}
			r.runs.finish(jobID, task.Status, task.Error)
		}()
	}
	return jobID, nil
}

// RunTask executes the task synchronously through the same pipeline the
// worker uses (ownership check, planning, budget admission, execution) and
// returns the final task record.
func (r *Runtime) RunTask(ctx context.Context, taskID, ownerID string) (*agentrun.Task, error) {
	job := queue.Job{ID: queue.FallbackPrefix + taskID, TaskID: taskID, OwnerID: ownerID}
	r.worker.ProcessJob(ctx, job)
	return r.store.GetTask(ctx, taskID)
}

// StartWorker drains the queue until ctx is cancelled.
func (r *Runtime) StartWorker(ctx context.Context) error {
	return r.worker.Run(ctx)
}

// PauseTask suspends a running task at its next step boundary.
func (r *Runtime) PauseTask(taskID string) {
	r.executor.Pause(taskID)
}

// CancelTask aborts a running task.
func (r *Runtime) CancelTask(taskID string) {
	r.executor.Cancel(taskID)
}

// ResumeTask continues a paused task. The worker charged nothing when the
// run paused, so the owner is billed here for the whole run's usage.
func (r *Runtime) ResumeTask(ctx context.Context, taskID string) (*agentrun.TaskCompletion, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != agentrun.TaskStatusPaused {
		return nil, agentrun.NewValidationError("execution",
			fmt.Sprintf("task %s is %s, only paused tasks can resume", taskID, task.Status), nil)
	}

	done, err := r.executor.Resume(ctx, task)
	if done != nil && done.CreditsUsed > 0 {
		if cerr := r.store.AddCreditsUsed(ctx, task.OwnerID, done.CreditsUsed); cerr != nil {
			log.Printf("Failed to record credit usage for task %s: %v", taskID, cerr)
		}
	}
	return done, err
}

// ApproveStep releases a step waiting on approval. No-op unless the runtime
// uses the in-process approval hub.
func (r *Runtime) ApproveStep(taskID string, step int) error {
	hub, ok := r.approver.(*agentrun.ApprovalHub)
	if !ok {
		return agentrun.NewConfigurationError("runtime has no in-process approval hub", nil)
	}
	hub.Approve(taskID, step)
	return nil
}

// RejectStep denies a step waiting on approval.
func (r *Runtime) RejectStep(taskID string, step int) error {
	hub, ok := r.approver.(*agentrun.ApprovalHub)
	if !ok {
		return agentrun.NewConfigurationError("runtime has no in-process approval hub", nil)
	}
	hub.Reject(taskID, step)
	return nil
}

// QueueStats returns the queue snapshot, degraded-flagged when the broker is
// down.
func (r *Runtime) QueueStats(ctx context.Context) queue.Stats {
	stats := r.queue.Stats(ctx)
	if r.metrics != nil {
		r.metrics.SetQueueAvailable(stats.Available)
		r.metrics.QueueWaiting.Set(float64(stats.Waiting))
	}
	return stats
}

// PauseQueue stops handing out queued jobs. Returns false when the broker is
// unreachable.
func (r *Runtime) PauseQueue(ctx context.Context) bool {
	return r.queue.Pause(ctx)
}

// ResumeQueue re-enables job delivery.
func (r *Runtime) ResumeQueue(ctx context.Context) bool {
	return r.queue.Resume(ctx)
}

// CleanQueue trims both queue streams to their retention bounds.
func (r *Runtime) CleanQueue(ctx context.Context) bool {
	return r.queue.Clean(ctx)
}

// Subscribe registers an event handler for the given lifecycle events.
func (r *Runtime) Subscribe(types []eventbus.EventType, handler eventbus.EventHandler) (string, error) {
	return r.bus.Subscribe(types, handler)
}

// Close releases the runtime's resources.
func (r *Runtime) Close() error {
	r.planCache.Close()
	var firstErr error
	if err := r.queue.Close(); err != nil {
		firstErr = err
	}
	if err := r.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
