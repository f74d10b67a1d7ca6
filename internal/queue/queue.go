// Package queue provides the durable task queue on Redis Streams, with a
// graceful-degradation path when the broker is unreachable: enqueue returns a
// synthesized fallback id instead of failing, and administrative operations
// return flagged degraded results instead of errors.
package queue

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyonlabs/agentrun"
	"github.com/halcyonlabs/agentrun/internal/eventbus"
)

// FallbackPrefix marks job ids synthesized while the broker was down. Callers
// detect the prefix and run the task synchronously instead of waiting for a
// worker callback that will never arrive.
const FallbackPrefix = "fallback-"

// Job-level retry and retention policy applied to every enqueued job.
const (
	DefaultJobAttempts  = 3
	DefaultBackoffDelay = 5 * time.Second

	completedRetentionAge = 24 * time.Hour
	completedRetentionMax = 1000
	failedRetentionAge    = 7 * 24 * time.Hour
	failedRetentionMax    = 5000
)

// Job is the unit of work carried by the queue. NotBefore is set on
// re-enqueued jobs; workers must not start them before it passes.
type Job struct {
	ID         string
	TaskID     string
	OwnerID    string
	Priority   int
	RetryCount int
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// Stats is the administrative snapshot. Available=false means the broker is
// unreachable and every counter is zeroed.
type Stats struct {
	Available bool  `json:"available"`
	Waiting   int64 `json:"waiting"`
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

// ConnectFunc produces a connected Redis client. Injected so tests can
// substitute a broker that is down or scripted.
type ConnectFunc func(ctx context.Context) (redis.UniversalClient, error)

// TaskQueue is the durable queue. Connect must be called before use; a
// failed or absent Connect leaves the queue in degraded mode rather than
// making every operation an error.
type TaskQueue struct {
	stream    string
	failed    string
	group     string
	connectFn ConnectFunc
	bus       eventbus.EventBus

	connectOnce sync.Once
	connectErr  error

	mu     sync.RWMutex
	client redis.UniversalClient
	paused bool
}

// QueueOption configures a TaskQueue.
type QueueOption func(*TaskQueue)

// WithConnectFunc overrides how the queue reaches its broker.
func WithConnectFunc(fn ConnectFunc) QueueOption {
	return func(q *TaskQueue) {
		q.connectFn = fn
	}
}

// WithEventBus attaches a bus for degradation warnings.
func WithEventBus(bus eventbus.EventBus) QueueOption {
	return func(q *TaskQueue) {
		q.bus = bus
	}
}

// NewTaskQueue creates a queue over the given Redis URL, stream and consumer
// group. No connection is attempted until Connect.
func NewTaskQueue(url, stream, group string, options ...QueueOption) *TaskQueue {
	q := &TaskQueue{
		stream: stream,
		failed: stream + ":failed",
		group:  group,
		connectFn: func(ctx context.Context) (redis.UniversalClient, error) {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return nil, fmt.Errorf("parse queue url: %w", err)
			}
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("ping broker: %w", err)
			}
			return client, nil
		},
	}
	for _, option := range options {
		option(q)
	}
	return q
}

// Connect establishes the broker connection and ensures the consumer group
// exists. Safe to call more than once; only the first attempt counts. A
// connection failure is returned but does not poison the queue: operations
// degrade instead of erroring.
func (q *TaskQueue) Connect(ctx context.Context) error {
	q.connectOnce.Do(func() {
		client, err := q.connectFn(ctx)
		if err != nil {
			q.connectErr = agentrun.NewQueueUnavailableError("connect", err)
			log.Printf("Queue broker unreachable, entering degraded mode: %v", err)
			return
		}

		err = client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.connectErr = agentrun.NewQueueUnavailableError("connect", err)
			_ = client.Close()
			log.Printf("Queue consumer group creation failed, entering degraded mode: %v", err)
			return
		}

		q.mu.Lock()
		q.client = client
		q.mu.Unlock()
		log.Printf("Queue connected (stream: %s, group: %s)", q.stream, q.group)
	})
	return q.connectErr
}

// Close releases the broker connection.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client == nil {
		return nil
	}
	err := q.client.Close()
	q.client = nil
	return err
}

// Available reports whether the broker is reachable.
func (q *TaskQueue) Available() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.client != nil
}

func (q *TaskQueue) clientOrNil() redis.UniversalClient {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.client
}

// Enqueue adds a durable job for the task and returns the broker-assigned
// job id. When the broker is unreachable it returns FallbackPrefix+taskID
// and emits a warning event; it never returns an error for unavailability.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID, ownerID string, priority int) (string, error) {
	client := q.clientOrNil()
	if client == nil {
		return q.fallback(ctx, taskID, "broker not connected")
	}

	args := &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: completedRetentionMax,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":       taskID,
			"owner_id":      ownerID,
			"priority":      priority,
			"attempts":      DefaultJobAttempts,
			"backoff_type":  "exponential",
			"backoff_delay": DefaultBackoffDelay.Milliseconds(),
			"enqueued_at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	msgID, err := client.XAdd(ctx, args).Result()
	if err != nil {
		qerr := agentrun.NewQueueUnavailableError("enqueue", err)
		log.Printf("Enqueue failed for task %s, degrading: %v", taskID, qerr)
		return q.fallback(ctx, taskID, err.Error())
	}

	log.Printf("Enqueued task %s as job %s", taskID, msgID)
	return msgID, nil
}

func (q *TaskQueue) fallback(ctx context.Context, taskID, reason string) (string, error) {
	id := FallbackPrefix + taskID
	if q.bus != nil {
		event := eventbus.NewEvent(eventbus.EventSystemWarning, map[string]any{
			"message": "queue unavailable, returning fallback job id",
			"task_id": taskID,
			"reason":  reason,
		}, "queue", nil)
		if err := q.bus.Publish(ctx, event); err != nil {
			log.Printf("Failed to publish queue degradation warning: %v", err)
		}
	}
	return id, nil
}

// IsFallbackID reports whether a job id came from the degraded path.
func IsFallbackID(jobID string) bool {
	return strings.HasPrefix(jobID, FallbackPrefix)
}

// Dequeue reads up to count jobs for the named consumer, blocking up to
// block. Returns nil when nothing arrived or the queue is paused.
func (q *TaskQueue) Dequeue(ctx context.Context, consumer string, count int64, block time.Duration) ([]Job, error) {
	client := q.clientOrNil()
	if client == nil {
		return nil, agentrun.NewQueueUnavailableError("dequeue", nil)
	}

	q.mu.RLock()
	paused := q.paused
	q.mu.RUnlock()
	if paused {
		return nil, nil
	}

	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, agentrun.NewQueueUnavailableError("dequeue", err)
	}

	var jobs []Job
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			jobs = append(jobs, jobFromMessage(msg))
		}
	}
	return jobs, nil
}

func jobFromMessage(msg redis.XMessage) Job {
	job := Job{ID: msg.ID}
	if v, ok := msg.Values["task_id"].(string); ok {
		job.TaskID = v
	}
	if v, ok := msg.Values["owner_id"].(string); ok {
		job.OwnerID = v
	}
	if v, ok := msg.Values["priority"].(string); ok {
		if p, err := strconv.Atoi(v); err == nil {
			job.Priority = p
		}
	}
	if v, ok := msg.Values["retry_count"].(string); ok {
		if r, err := strconv.Atoi(v); err == nil {
			job.RetryCount = r
		}
	}
	if v, ok := msg.Values["not_before"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.NotBefore = t
		}
	}
	if v, ok := msg.Values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.EnqueuedAt = t
		}
	}
	return job
}

// Ack marks a job as done.
func (q *TaskQueue) Ack(ctx context.Context, jobID string) error {
	client := q.clientOrNil()
	if client == nil {
		return agentrun.NewQueueUnavailableError("ack", nil)
	}
	return client.XAck(ctx, q.stream, q.group, jobID).Err()
}

// Retry re-enqueues a failed job with an incremented retry counter and the
// exponential backoff recorded for the scheduler. Once the attempt budget is
// spent the job moves to the failed stream instead.
func (q *TaskQueue) Retry(ctx context.Context, job Job, reason string) error {
	client := q.clientOrNil()
	if client == nil {
		return agentrun.NewQueueUnavailableError("retry", nil)
	}

	if job.RetryCount+1 >= DefaultJobAttempts {
		return q.moveToFailed(ctx, client, job, reason)
	}

	delay := DefaultBackoffDelay * (1 << job.RetryCount)
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: completedRetentionMax,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":     job.TaskID,
			"owner_id":    job.OwnerID,
			"priority":    job.Priority,
			"retry_count": job.RetryCount + 1,
			"not_before":  time.Now().Add(delay).UTC().Format(time.RFC3339Nano),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return agentrun.NewQueueUnavailableError("retry", err)
	}
	if ackErr := client.XAck(ctx, q.stream, q.group, job.ID).Err(); ackErr != nil {
		log.Printf("Failed to ack job %s after re-enqueue: %v", job.ID, ackErr)
	}
	log.Printf("Job %s re-enqueued for task %s (retry %d, backoff %v)", job.ID, job.TaskID, job.RetryCount+1, delay)
	return nil
}

// Fail dead-letters a job immediately, bypassing the retry budget. Used for
// terminal failures where another attempt cannot change the outcome.
func (q *TaskQueue) Fail(ctx context.Context, job Job, reason string) error {
	client := q.clientOrNil()
	if client == nil {
		return agentrun.NewQueueUnavailableError("fail", nil)
	}
	return q.moveToFailed(ctx, client, job, reason)
}

func (q *TaskQueue) moveToFailed(ctx context.Context, client redis.UniversalClient, job Job, reason string) error {
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.failed,
		MaxLen: failedRetentionMax,
		Approx: true,
		Values: map[string]interface{}{
			"task_id":   job.TaskID,
			"owner_id":  job.OwnerID,
			"reason":    reason,
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return agentrun.NewQueueUnavailableError("fail", err)
	}
	if ackErr := client.XAck(ctx, q.stream, q.group, job.ID).Err(); ackErr != nil {
		log.Printf("Failed to ack job %s after dead-lettering: %v", job.ID, ackErr)
	}
	log.Printf("Job %s for task %s moved to failed stream after %d attempts: %s", job.ID, job.TaskID, DefaultJobAttempts, reason)
	return nil
}

// ReportProgress publishes a task's progress percentage with a bounded TTL so
// pollers can read it without touching the task record.
func (q *TaskQueue) ReportProgress(ctx context.Context, taskID string, percent int) error {
	client := q.clientOrNil()
	if client == nil {
		return nil // progress is best effort in degraded mode
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	key := q.stream + ":progress:" + taskID
	return client.Set(ctx, key, percent, completedRetentionAge).Err()
}

// Progress reads a task's last reported progress. Returns -1 when unknown.
func (q *TaskQueue) Progress(ctx context.Context, taskID string) (int, error) {
	client := q.clientOrNil()
	if client == nil {
		return -1, agentrun.NewQueueUnavailableError("progress", nil)
	}
	val, err := client.Get(ctx, q.stream+":progress:"+taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return -1, nil
		}
		return -1, agentrun.NewQueueUnavailableError("progress", err)
	}
	percent, err := strconv.Atoi(val)
	if err != nil {
		return -1, nil
	}
	return percent, nil
}

// Stats returns the queue snapshot. On unavailability every counter is zero
// and Available is false; Stats never returns an error for a down broker.
func (q *TaskQueue) Stats(ctx context.Context) Stats {
	client := q.clientOrNil()
	if client == nil {
		return Stats{Available: false}
	}

	q.mu.RLock()
	paused := q.paused
	q.mu.RUnlock()

	stats := Stats{Available: true, Paused: paused}

	waiting, err := client.XLen(ctx, q.stream).Result()
	if err != nil {
		log.Printf("Queue stats degraded: %v", err)
		return Stats{Available: false}
	}
	stats.Waiting = waiting

	if pending, err := client.XPending(ctx, q.stream, q.group).Result(); err == nil {
		stats.Pending = pending.Count
	}
	if failed, err := client.XLen(ctx, q.failed).Result(); err == nil {
		stats.Failed = failed
	}
	return stats
}

// Pause stops Dequeue from handing out jobs. Returns false when the broker
// is unreachable and the pause could not be applied.
func (q *TaskQueue) Pause(ctx context.Context) bool {
	if q.clientOrNil() == nil {
		return false
	}
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Printf("Queue paused")
	return true
}

// Resume re-enables Dequeue.
func (q *TaskQueue) Resume(ctx context.Context) bool {
	if q.clientOrNil() == nil {
		return false
	}
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Printf("Queue resumed")
	return true
}

// Clean trims both streams to their retention bounds. Degrades to a no-op
// returning false when the broker is unreachable.
func (q *TaskQueue) Clean(ctx context.Context) bool {
	client := q.clientOrNil()
	if client == nil {
		return false
	}
	if err := client.XTrimMaxLen(ctx, q.stream, completedRetentionMax).Err(); err != nil {
		log.Printf("Queue clean degraded: %v", err)
		return false
	}
	if err := client.XTrimMaxLen(ctx, q.failed, failedRetentionMax).Err(); err != nil {
		log.Printf("Queue clean degraded on failed stream: %v", err)
		return false
	}
	return true
}
