package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/metrics"
	"github.com/halcyonlabs/agentrun/internal/queue"
	"github.com/halcyonlabs/agentrun/internal/store"
)

// fakeSource records queue interactions in memory.
type fakeSource struct {
	mu       sync.Mutex
	acked    []string
	retried  []string
	failed   []string
	progress map[string][]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{progress: make(map[string][]int)}
}

func (f *fakeSource) Dequeue(ctx context.Context, consumer string, count int64, block time.Duration) ([]queue.Job, error) {
	return nil, nil
}

func (f *fakeSource) Ack(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeSource) Retry(ctx context.Context, job queue.Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, job.ID)
	return nil
}

func (f *fakeSource) Fail(ctx context.Context, job queue.Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job.ID)
	return nil
}

func (f *fakeSource) ReportProgress(ctx context.Context, taskID string, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[taskID] = append(f.progress[taskID], percent)
	return nil
}

// fakeRunner scripts Plan and Execute outcomes.
type fakeRunner struct {
	plan       *agentrun.ExecutionPlan
	planErr    error
	completion *agentrun.TaskCompletion
	execErr    error
	planned    []*agentrun.Task
	executed   int
}

func (r *fakeRunner) Plan(ctx context.Context, task *agentrun.Task) (*agentrun.ExecutionPlan, error) {
	r.planned = append(r.planned, task)
	return r.plan, r.planErr
}

func (r *fakeRunner) Execute(ctx context.Context, task *agentrun.Task, plan *agentrun.ExecutionPlan) (*agentrun.TaskCompletion, error) {
	r.executed++
	return r.completion, r.execErr
}

// recordingNotifier captures hook invocations.
type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) TaskCompleted(ctx context.Context, task *agentrun.Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, task.ID)
}

func (n *recordingNotifier) TaskFailed(ctx context.Context, task *agentrun.Task, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, task.ID)
}

func twoStepPlan() *agentrun.ExecutionPlan {
	return &agentrun.ExecutionPlan{
		Steps: []agentrun.ExecutionStep{
			{Number: 1, Action: "a", Tool: "t"},
			{Number: 2, Action: "b", Tool: "t"},
		},
		EstimatedCredits: 700,
	}
}

func seed(t *testing.T, credits int) (*store.MemoryStore, *agentrun.Task) {
	t.Helper()
	s := store.NewMemoryStore()
	task := &agentrun.Task{
		ID:      "task-1",
		OwnerID: "user-1",
		Goal:    "demo",
		Status:  agentrun.TaskStatusPending,
		Config:  agentrun.DefaultAgentConfig(),
	}
	s.PutTask(task)
	s.PutUser(&agentrun.User{ID: "user-1", MonthlyCredits: credits})
	return s, task
}

func job() queue.Job {
	return queue.Job{ID: "job-1", TaskID: "task-1", OwnerID: "user-1"}
}

func TestProcessJobHappyPath(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	notifier := &recordingNotifier{}
	runner := &fakeRunner{
		plan: twoStepPlan(),
		completion: &agentrun.TaskCompletion{
			TaskID:      "task-1",
			Status:      agentrun.TaskStatusCompleted,
			CreditsUsed: 42,
		},
	}
	w := NewWorker(source, s, runner, WithNotifier(notifier))

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.acked)
	assert.Empty(t, source.retried)
	assert.Empty(t, source.failed)
	assert.Equal(t, []string{"task-1"}, notifier.completed)
	assert.Equal(t, 1, runner.executed)

	// Planning set progress to 50, the final bookkeeping to 100.
	assert.Equal(t, []int{50, 100}, source.progress["task-1"])

	user, err := s.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 42, user.CreditsUsed)

	task, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.TotalSteps)
}

func TestProcessJobRedeliveryReusesPersistedPlan(t *testing.T) {
	s, task := seed(t, 10000)
	task.Plan = twoStepPlan()
	task.TotalSteps = 2
	task.Status = agentrun.TaskStatusExecuting
	s.PutTask(task)

	source := newFakeSource()
	runner := &fakeRunner{
		completion: &agentrun.TaskCompletion{
			TaskID: "task-1",
			Status: agentrun.TaskStatusCompleted,
		},
	}
	w := NewWorker(source, s, runner)

	w.ProcessJob(context.Background(), job())

	assert.Empty(t, runner.planned, "a planned task must not be re-planned on redelivery")
	assert.Equal(t, 1, runner.executed)
	assert.Equal(t, []string{"job-1"}, source.acked)
}

func TestProcessJobOwnerMismatch(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{plan: twoStepPlan()}
	w := NewWorker(source, s, runner)

	forged := queue.Job{ID: "job-1", TaskID: "task-1", OwnerID: "attacker"}
	w.ProcessJob(context.Background(), forged)

	assert.Equal(t, []string{"job-1"}, source.failed)
	assert.Empty(t, runner.planned, "a forged job must never reach planning")
}

func TestProcessJobInsufficientCreditsIsTerminal(t *testing.T) {
	// Plan estimates 700, owner has 100: admission must fail terminally.
	s, _ := seed(t, 100)
	source := newFakeSource()
	notifier := &recordingNotifier{}
	runner := &fakeRunner{plan: twoStepPlan()}
	w := NewWorker(source, s, runner, WithNotifier(notifier))

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.failed, "budget failures dead-letter, never retry")
	assert.Empty(t, source.retried)
	assert.Equal(t, 0, runner.executed, "execution must not start without budget")
	assert.Equal(t, []string{"task-1"}, notifier.failed)

	task, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, agentrun.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "INSUFFICIENT_CREDITS")

	trace, err := s.GetTrace(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Empty(t, trace, "no step may run before admission")
}

func TestProcessJobPlanFailureRetriesThroughBroker(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	notifier := &recordingNotifier{}
	runner := &fakeRunner{planErr: agentrun.NewPlanParseError("model returned prose", nil)}
	w := NewWorker(source, s, runner, WithNotifier(notifier))

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.retried, "planning flakes go back to the broker")
	assert.Empty(t, source.failed)
	assert.Empty(t, notifier.failed)

	task, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, agentrun.TaskStatusPlanning, task.Status)
}

func TestProcessJobPlanFailureLastAttemptIsTerminal(t *testing.T) {
	s, task := seed(t, 10000)
	task.Status = agentrun.TaskStatusPlanning
	s.PutTask(task)

	source := newFakeSource()
	notifier := &recordingNotifier{}
	runner := &fakeRunner{planErr: agentrun.NewPlanParseError("model returned prose", nil)}
	w := NewWorker(source, s, runner, WithNotifier(notifier))

	last := job()
	last.RetryCount = queue.DefaultJobAttempts - 1
	w.ProcessJob(context.Background(), last)

	assert.Equal(t, []string{"job-1"}, source.failed)
	assert.Empty(t, source.retried)
	assert.Equal(t, []string{"task-1"}, notifier.failed)

	got, err := s.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, agentrun.TaskStatusFailed, got.Status)
}

func TestProcessJobExecutionFailureRetriesJob(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	notifier := &recordingNotifier{}
	runner := &fakeRunner{
		plan: twoStepPlan(),
		completion: &agentrun.TaskCompletion{
			TaskID:      "task-1",
			Status:      agentrun.TaskStatusFailed,
			CreditsUsed: 5,
		},
		execErr: agentrun.NewToolExecutionError("execution", "t", errors.New("boom")),
	}
	w := NewWorker(source, s, runner, WithNotifier(notifier))

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.retried, "execution failures go back to the broker")
	assert.Equal(t, []string{"task-1"}, notifier.failed)

	// Credits consumed by the failed run still count.
	user, err := s.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, user.CreditsUsed)
}

func TestProcessJobCancelledNotRetried(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{
		plan: twoStepPlan(),
		completion: &agentrun.TaskCompletion{
			TaskID: "task-1",
			Status: agentrun.TaskStatusCancelled,
		},
		execErr: agentrun.NewCancelledError("execution", context.Canceled),
	}
	w := NewWorker(source, s, runner)

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.acked)
	assert.Empty(t, source.retried, "cancellations must not be resurrected by the broker")
}

func TestProcessJobPausedAcks(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{plan: twoStepPlan()} // completion and error both nil
	w := NewWorker(source, s, runner)

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.acked)
	assert.Empty(t, source.retried)
	assert.Empty(t, source.failed)
}

func TestProcessJobTerminalTaskIsStale(t *testing.T) {
	s, task := seed(t, 10000)
	task.Status = agentrun.TaskStatusCompleted
	s.PutTask(task)

	source := newFakeSource()
	runner := &fakeRunner{plan: twoStepPlan()}
	w := NewWorker(source, s, runner)

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.acked)
	assert.Empty(t, runner.planned)
}

func TestProcessJobConfigFallback(t *testing.T) {
	s, task := seed(t, 10000)
	task.Config = nil
	s.PutTask(task)

	source := newFakeSource()
	runner := &fakeRunner{
		plan:       twoStepPlan(),
		completion: &agentrun.TaskCompletion{TaskID: "task-1", Status: agentrun.TaskStatusCompleted},
	}
	w := NewWorker(source, s, runner)

	w.ProcessJob(context.Background(), job())

	require.Len(t, runner.planned, 1)
	require.NotNil(t, runner.planned[0].Config)
	assert.Equal(t, agentrun.DefaultAgentConfig().MaxSteps, runner.planned[0].Config.MaxSteps)
}

func TestProgressFuncScaling(t *testing.T) {
	source := newFakeSource()
	w := NewWorker(source, store.NewMemoryStore(), &fakeRunner{})

	fn := w.ProgressFunc()
	fn("task-1", 1, 4)
	fn("task-1", 2, 4)
	fn("task-1", 4, 4)

	assert.Equal(t, []int{60, 70, 90}, source.progress["task-1"])
}

func TestProcessJobUnknownTaskRetries(t *testing.T) {
	source := newFakeSource()
	w := NewWorker(source, store.NewMemoryStore(), &fakeRunner{})

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, []string{"job-1"}, source.retried)
}

func TestProcessJobWaitsForBackoffDeadline(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{
		plan:       twoStepPlan(),
		completion: &agentrun.TaskCompletion{TaskID: "task-1", Status: agentrun.TaskStatusCompleted},
	}
	w := NewWorker(source, s, runner)

	delayed := job()
	delayed.RetryCount = 1
	delayed.NotBefore = time.Now().Add(30 * time.Millisecond)

	started := time.Now()
	w.ProcessJob(context.Background(), delayed)

	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond,
		"a re-enqueued job must not start before its backoff expires")
	assert.Equal(t, []string{"job-1"}, source.acked)
}

func TestProcessJobBackoffWaitDefersOnShutdown(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{plan: twoStepPlan()}
	w := NewWorker(source, s, runner)

	delayed := job()
	delayed.NotBefore = time.Now().Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.ProcessJob(ctx, delayed)

	// The job stays pending at the broker for redelivery.
	assert.Empty(t, source.acked)
	assert.Empty(t, source.retried)
	assert.Empty(t, source.failed)
	assert.Empty(t, runner.planned)
}

func TestProcessJobRecordsUsage(t *testing.T) {
	s, _ := seed(t, 10000)
	source := newFakeSource()
	runner := &fakeRunner{
		plan: twoStepPlan(),
		completion: &agentrun.TaskCompletion{
			TaskID:      "task-1",
			Status:      agentrun.TaskStatusCompleted,
			CreditsUsed: 42,
			TokensUsed:  123,
		},
	}
	m := metrics.New("workertest", prometheus.NewRegistry())
	w := NewWorker(source, s, runner, WithMetrics(m))

	w.ProcessJob(context.Background(), job())

	assert.Equal(t, 42.0, testutil.ToFloat64(m.CreditsConsumed))
	assert.Equal(t, 123.0, testutil.ToFloat64(m.TokensConsumed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsRunning))
}
