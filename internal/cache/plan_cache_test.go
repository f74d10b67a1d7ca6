package cache

import (
	"context"
	"testing"
	"time"

	"github.com/halcyonlabs/agentrun"
)

func TestPlanCacheSetGet(t *testing.T) {
	c := NewPlanCache(time.Minute)
	ctx := context.Background()

	plan := &agentrun.ExecutionPlan{
		Steps: []agentrun.ExecutionStep{
			{Number: 1, Action: "calculate", Tool: "calculate"},
		},
		EstimatedCredits: 600,
	}

	if err := c.Set(ctx, "goal-abc", plan); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := c.Get(ctx, "goal-abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.EstimatedCredits != 600 {
		t.Errorf("expected 600 estimated credits, got %d", got.EstimatedCredits)
	}
}

func TestPlanCacheMiss(t *testing.T) {
	c := NewPlanCache(time.Minute)
	if _, err := c.Get(context.Background(), "absent"); err == nil {
		t.Fatal("expected error for cache miss")
	}
}

func TestPlanCacheExpiry(t *testing.T) {
	c := NewPlanCache(time.Millisecond)
	ctx := context.Background()

	if err := c.Set(ctx, "goal", &agentrun.ExecutionPlan{}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := c.Get(ctx, "goal"); err == nil {
		t.Fatal("expected error for expired plan")
	}
}

func TestPlanCacheCloseIdempotent(t *testing.T) {
	c := NewPlanCache(time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "goal", &agentrun.ExecutionPlan{EstimatedCredits: 100}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	c.Close()
	c.Close() // second close must not panic

	// Closed caches keep serving; only the background sweep stops.
	got, err := c.Get(ctx, "goal")
	if err != nil {
		t.Fatalf("get after close failed: %v", err)
	}
	if got.EstimatedCredits != 100 {
		t.Errorf("expected 100 estimated credits, got %d", got.EstimatedCredits)
	}
}

func TestPlanCacheCancelledContext(t *testing.T) {
	c := NewPlanCache(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Set(ctx, "goal", &agentrun.ExecutionPlan{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := c.Get(ctx, "goal"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
