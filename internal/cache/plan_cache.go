// Package cache provides a thread-safe in-memory plan cache so repeated
// identical goals skip the planning model call.
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/halcyonlabs/agentrun"
)

// PlanCache stores generated execution plans keyed by goal fingerprint.
// Close stops the background cleanup goroutine; the cache stays usable
// afterwards through lazy expiration.
type PlanCache struct {
	store    map[string]cacheItem
	mutex    sync.RWMutex
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	plan       *agentrun.ExecutionPlan
	expiration int64
}

// NewPlanCache creates a plan cache with the given TTL.
func NewPlanCache(ttl time.Duration) *PlanCache {
	c := &PlanCache{
		store: make(map[string]cacheItem),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	// Start a background cleanup goroutine
	go c.cleanupLoop(10 * time.Minute)
	return c
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *PlanCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// Get retrieves a cached plan.
func (c *PlanCache) Get(ctx context.Context, key string) (*agentrun.ExecutionPlan, error) {
	// Check context cancellation first
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("plan not cached", nil))
	}

	if time.Now().UnixNano() > item.expiration {
		// Item expired (lazy cleanup)
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cached plan expired", nil))
	}

	return item.plan, nil
}

// Set adds or updates a cached plan.
func (c *PlanCache) Set(ctx context.Context, key string, plan *agentrun.ExecutionPlan) error {
	// Check context cancellation first
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		plan:       plan,
		expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	log.Printf("Plan cached: %s", key)
	return nil
}

// cleanupLoop periodically removes expired items until Close.
func (c *PlanCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now().UnixNano()
			for key, item := range c.store {
				if now > item.expiration {
					delete(c.store, key)
				}
			}
			c.mutex.Unlock()
		}
	}
}
