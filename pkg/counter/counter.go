// Package counter implements per-task in-flight counters with a
// zero-crossing notification.
package counter

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/crawlkit/taskcrawl/pkg/models"
)

const shardCount = 32

type shard struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Int64
}

// MemoryCounter keeps one atomic counter per task ID.
type MemoryCounter struct {
	shards [shardCount]*shard
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.shards {
		c.shards[i] = &shard{counts: make(map[string]*atomic.Int64)}
	}
	return c
}

func (c *MemoryCounter) counter(taskID string) *atomic.Int64 {
	sh := c.shards[xxhash.Sum64String(taskID)%shardCount]
	sh.mu.RLock()
	v, ok := sh.counts[taskID]
	sh.mu.RUnlock()
	if ok {
		return v
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok = sh.counts[taskID]; !ok {
		v = new(atomic.Int64)
		sh.counts[taskID] = v
	}
	return v
}

// Incr adds delta to the task's counter and returns the new value.
func (c *MemoryCounter) Incr(task *models.Task, delta int64) int64 {
	return c.counter(task.ID).Add(delta)
}

// IncrNotify adds delta and, if a decrement brought the counter to exactly
// zero, calls onZero on the calling goroutine. Each crossing is observed by
// exactly one caller.
func (c *MemoryCounter) IncrNotify(task *models.Task, delta int64, onZero func()) int64 {
	v := c.counter(task.ID).Add(delta)
	if v == 0 && delta < 0 && onZero != nil {
		onZero()
	}
	return v
}

// Get returns the task's current count without creating an entry.
func (c *MemoryCounter) Get(taskID string) int64 {
	sh := c.shards[xxhash.Sum64String(taskID)%shardCount]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if v, ok := sh.counts[taskID]; ok {
		return v.Load()
	}
	return 0
}

// Remove discards the task's counter.
func (c *MemoryCounter) Remove(taskID string) {
	sh := c.shards[xxhash.Sum64String(taskID)%shardCount]
	sh.mu.Lock()
	delete(sh.counts, taskID)
	sh.mu.Unlock()
}
