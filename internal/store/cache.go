package store

import (
	"sync"
	"sync/atomic"

	"github.com/taskforge/dispatch/internal/types"
)

// taskCache is an in-process read-through cache keeping hot tasks in
// memory between writes, avoiding a round trip to SQLite for every
// next-bucket/progress call on an active task.
type taskCache struct {
	mu   sync.RWMutex
	byID map[string]*types.Task

	hits   atomic.Int64
	misses atomic.Int64
}

func newTaskCache() *taskCache {
	return &taskCache{byID: make(map[string]*types.Task)}
}

func (c *taskCache) get(id string) (*types.Task, bool) {
	c.mu.RLock()
	t, ok := c.byID[id]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)

		return cloneTask(t), true
	}

	c.misses.Add(1)

	return nil, false
}

func (c *taskCache) put(t *types.Task) {
	clone := cloneTask(t)

	c.mu.Lock()
	c.byID[t.ID] = clone
	c.mu.Unlock()
}

func cloneTask(t *types.Task) *types.Task {
	clone := *t
	clone.AssignedWorkers = make(map[string]bool, len(t.AssignedWorkers))

	for k, v := range t.AssignedWorkers {
		clone.AssignedWorkers[k] = v
	}

	return &clone
}

func (c *taskCache) delete(id string) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

// CacheHits implements observability.CacheStatsProvider.
func (c *taskCache) CacheHits() int64 { return c.hits.Load() }

// CacheMisses implements observability.CacheStatsProvider.
func (c *taskCache) CacheMisses() int64 { return c.misses.Load() }

// CacheStats exposes the store's read-through task cache for metrics
// registration (see observability.RegisterCacheMetrics).
func (s *Store) CacheStats() interface {
	CacheHits() int64
	CacheMisses() int64
} {
	return s.cache
}
