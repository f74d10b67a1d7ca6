// Package worker drains the task queue with bounded concurrency and drives
// each job through planning, budget admission and execution.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/metrics"
	"github.com/halcyonlabs/agentrun/internal/queue"
)

const (
	// DefaultConcurrency bounds how many jobs run at once.
	DefaultConcurrency = 5
	// DefaultRateLimit caps job starts per DefaultRateWindow to protect
	// downstream model-provider limits.
	DefaultRateLimit  = 10
	DefaultRateWindow = time.Minute

	dequeueBlock = 5 * time.Second
)

// Progress checkpoints: planning occupies the first half of the bar, the
// step loop fills 50..90 and the final bookkeeping takes it to 100.
const (
	progressPlanned  = 50
	progressSpan     = 40
	progressComplete = 100
)

// JobSource is the slice of the queue the worker depends on.
type JobSource interface {
	Dequeue(ctx context.Context, consumer string, count int64, block time.Duration) ([]queue.Job, error)
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, job queue.Job, reason string) error
	Fail(ctx context.Context, job queue.Job, reason string) error
	ReportProgress(ctx context.Context, taskID string, percent int) error
}

// Runner is the slice of the executor the worker depends on.
type Runner interface {
	Plan(ctx context.Context, task *agentrun.Task) (*agentrun.ExecutionPlan, error)
	Execute(ctx context.Context, task *agentrun.Task, plan *agentrun.ExecutionPlan) (*agentrun.TaskCompletion, error)
}

// Worker consumes jobs and executes the tasks they reference.
type Worker struct {
	source      JobSource
	store       agentrun.Store
	runner      Runner
	notifier    agentrun.Notifier
	metrics     *metrics.Metrics
	concurrency int
	limiter     *rate.Limiter
	consumer    string
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency bounds the number of jobs processed at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRateLimit caps job starts per window.
func WithRateLimit(jobs int, window time.Duration) WorkerOption {
	return func(w *Worker) {
		if jobs > 0 && window > 0 {
			w.limiter = rate.NewLimiter(rate.Every(window/time.Duration(jobs)), jobs)
		}
	}
}

// WithNotifier sets the completion/failure notification hook.
func WithNotifier(n agentrun.Notifier) WorkerOption {
	return func(w *Worker) {
		w.notifier = n
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker creates a worker over the given queue, store and executor.
func NewWorker(source JobSource, store agentrun.Store, runner Runner, options ...WorkerOption) *Worker {
	w := &Worker{
		source:      source,
		store:       store,
		runner:      runner,
		notifier:    agentrun.NopNotifier{},
		concurrency: DefaultConcurrency,
		limiter:     rate.NewLimiter(rate.Every(DefaultRateWindow/DefaultRateLimit), DefaultRateLimit),
		consumer:    "worker-" + uuid.NewString(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run drains the queue until ctx is cancelled. Jobs already in flight finish
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("Worker %s starting (concurrency: %d)", w.consumer, w.concurrency)
	workers := pool.New().WithMaxGoroutines(w.concurrency)

	for ctx.Err() == nil {
		jobs, err := w.source.Dequeue(ctx, w.consumer, int64(w.concurrency), dequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Dequeue failed, backing off: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(dequeueBlock):
			}
			continue
		}

		for _, job := range jobs {
			if err := w.limiter.Wait(ctx); err != nil {
				break
			}
			job := job
			workers.Go(func() {
				w.ProcessJob(ctx, job)
			})
		}
	}

	workers.Wait()
	log.Printf("Worker %s stopped", w.consumer)
	return ctx.Err()
}

// ProcessJob runs one job end to end: load, verify, plan, admit, execute.
func (w *Worker) ProcessJob(ctx context.Context, job queue.Job) {
	if w.metrics != nil {
		w.metrics.RecordJobStart()
	}
	started := time.Now()
	status, done := w.processJob(ctx, job)
	if w.metrics != nil {
		credits, tokens := 0, 0
		if done != nil {
			credits, tokens = done.CreditsUsed, done.TokensUsed
		}
		w.metrics.RecordJobDone(status, time.Since(started), credits, tokens)
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.Job) (string, *agentrun.TaskCompletion) {
	// A re-enqueued job carries its backoff deadline; honor it before
	// touching the task.
	if wait := time.Until(job.NotBefore); wait > 0 {
		log.Printf("Job %s for task %s not due for %v, waiting", job.ID, job.TaskID, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			// Left unacked; the broker redelivers it to a live worker.
			return "deferred", nil
		case <-time.After(wait):
		}
	}

	task, err := w.store.GetTask(ctx, job.TaskID)
	if err != nil {
		log.Printf("Job %s references unknown task %s: %v", job.ID, job.TaskID, err)
		w.retry(ctx, job, fmt.Sprintf("task lookup failed: %v", err))
		return "retried", nil
	}

	// A job whose owner does not match the task is forged or corrupted.
	if task.OwnerID != job.OwnerID {
		reason := fmt.Sprintf("job owner %s does not match task owner", job.OwnerID)
		log.Printf("Rejecting job %s for task %s: %s", job.ID, task.ID, reason)
		w.fail(ctx, job, reason)
		return "rejected", nil
	}

	if task.Status.IsTerminal() {
		log.Printf("Job %s references task %s already in terminal state %s, acking", job.ID, task.ID, task.Status)
		w.ack(ctx, job)
		return "stale", nil
	}

	if task.Config == nil {
		task.Config = agentrun.DefaultAgentConfig()
	}

	// A redelivered job for an already-planned task reuses the persisted
	// plan instead of paying for another planning call.
	plan := task.Plan
	if plan == nil || len(plan.Steps) == 0 {
		if task.Status != agentrun.TaskStatusPlanning {
			if err := w.store.UpdateTaskStatus(ctx, task.ID, agentrun.TaskStatusPlanning); err != nil {
				log.Printf("Failed to move task %s to planning: %v", task.ID, err)
				w.retry(ctx, job, err.Error())
				return "retried", nil
			}
		}

		plan, err = w.runner.Plan(ctx, task)
		if err != nil {
			// Planning failures are transient until the broker's attempt
			// budget is spent; only the last attempt is terminal.
			if job.RetryCount+1 < queue.DefaultJobAttempts {
				log.Printf("Planning failed for task %s (attempt %d/%d), handing back to the broker: %v",
					task.ID, job.RetryCount+1, queue.DefaultJobAttempts, err)
				w.retry(ctx, job, err.Error())
				return "retried", nil
			}
			w.failTask(ctx, task, job, err)
			return "failed", nil
		}
		if err := w.store.SavePlan(ctx, task.ID, plan); err != nil {
			log.Printf("Failed to persist plan for task %s: %v", task.ID, err)
			w.retry(ctx, job, err.Error())
			return "retried", nil
		}
		task.Plan = plan
		task.TotalSteps = len(plan.Steps)
	} else {
		log.Printf("Task %s already planned (%d steps), skipping planning", task.ID, len(plan.Steps))
	}
	w.progress(ctx, task.ID, progressPlanned)

	// Budget admission. Insufficient credits is terminal for this job:
	// retrying consumes no additional budget.
	user, err := w.store.GetUser(ctx, task.OwnerID)
	if err != nil {
		log.Printf("Failed to load owner %s for task %s: %v", task.OwnerID, task.ID, err)
		w.retry(ctx, job, err.Error())
		return "retried", nil
	}
	if remaining := user.RemainingCredits(); remaining < plan.EstimatedCredits {
		cerr := agentrun.NewInsufficientCreditsError(plan.EstimatedCredits, remaining)
		w.failTask(ctx, task, job, cerr)
		return "failed", nil
	}

	if task.Status != agentrun.TaskStatusExecuting {
		if err := w.store.UpdateTaskStatus(ctx, task.ID, agentrun.TaskStatusExecuting); err != nil {
			log.Printf("Failed to move task %s to executing: %v", task.ID, err)
			w.retry(ctx, job, err.Error())
			return "retried", nil
		}
	}

	done, err := w.runner.Execute(ctx, task, plan)

	// A nil completion with a nil error means the run was paused; the job is
	// consumed and the resumed run re-enters outside the queue.
	if done == nil && err == nil {
		log.Printf("Task %s paused, acking job %s", task.ID, job.ID)
		w.ack(ctx, job)
		return "paused", nil
	}

	if done != nil && done.CreditsUsed > 0 {
		if cerr := w.store.AddCreditsUsed(ctx, task.OwnerID, done.CreditsUsed); cerr != nil {
			log.Printf("Failed to record credit usage for task %s: %v", task.ID, cerr)
		}
	}

	if err != nil {
		task.Error = err.Error()
		w.notifier.TaskFailed(ctx, task, err.Error())
		if done != nil && done.Status == agentrun.TaskStatusCancelled {
			// Cancellation is deliberate; a broker retry would resurrect it.
			w.ack(ctx, job)
			return "cancelled", done
		}
		w.retry(ctx, job, err.Error())
		return "failed", done
	}

	w.progress(ctx, task.ID, progressComplete)
	task.Status = done.Status
	task.Result = done.Result
	w.notifier.TaskCompleted(ctx, task)
	w.ack(ctx, job)
	return "completed", done
}

// ProgressFunc adapts step completions into the broker's progress scale:
// planning owns the first half, steps fill 50..90.
func (w *Worker) ProgressFunc() func(taskID string, completed, total int) {
	return func(taskID string, completed, total int) {
		if total <= 0 {
			return
		}
		percent := progressPlanned + completed*progressSpan/total
		w.progress(context.Background(), taskID, percent)
	}
}

// failTask records a terminal failure for the task and dead-letters the job.
func (w *Worker) failTask(ctx context.Context, task *agentrun.Task, job queue.Job, cause error) {
	done := agentrun.TaskCompletion{
		TaskID:     task.ID,
		Status:     agentrun.TaskStatusFailed,
		Error:      cause.Error(),
		FinishedAt: time.Now().UTC(),
	}
	if err := w.store.FinishTask(ctx, done); err != nil {
		log.Printf("Failed to persist failure for task %s: %v", task.ID, err)
	}
	task.Error = cause.Error()
	w.notifier.TaskFailed(ctx, task, cause.Error())
	w.fail(ctx, job, cause.Error())
}

func (w *Worker) progress(ctx context.Context, taskID string, percent int) {
	if err := w.source.ReportProgress(ctx, taskID, percent); err != nil {
		log.Printf("Failed to report progress for task %s: %v", taskID, err)
	}
}

func (w *Worker) ack(ctx context.Context, job queue.Job) {
	if err := w.source.Ack(ctx, job.ID); err != nil {
		log.Printf("Failed to ack job %s: %v", job.ID, err)
	}
}

func (w *Worker) retry(ctx context.Context, job queue.Job, reason string) {
	if err := w.source.Retry(ctx, job, reason); err != nil {
		log.Printf("Failed to retry job %s: %v", job.ID, err)
	}
}

func (w *Worker) fail(ctx context.Context, job queue.Job, reason string) {
	if err := w.source.Fail(ctx, job, reason); err != nil {
		log.Printf("Failed to dead-letter job %s: %v", job.ID, err)
	}
}
