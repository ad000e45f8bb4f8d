package data

import (
	"context"
	"sync"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// MemStuckCounter is the in-process StuckCounterStore: a mutex-guarded map
// keyed by (owner, type). Counts reset on restart, which is acceptable — a
// fresh process is itself a recovery action. Constructor-injected so tests
// can reset it and deployments can swap in a shared backend.
type MemStuckCounter struct {
	mu     sync.Mutex
	counts map[stuckKey]int
}

type stuckKey struct {
	owner   string
	jobType model.JobType
}

// NewMemStuckCounter creates an empty in-memory counter store.
func NewMemStuckCounter() *MemStuckCounter {
	return &MemStuckCounter{counts: make(map[stuckKey]int)}
}

// Incr bumps the counter for (ownerKey, jobType) and returns the new value.
func (c *MemStuckCounter) Incr(_ context.Context, ownerKey string, jobType model.JobType) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := stuckKey{owner: ownerKey, jobType: jobType}
	c.counts[k]++
	return c.counts[k], nil
}

// Reset clears the counter so the next detection counts as first-occurrence.
func (c *MemStuckCounter) Reset(_ context.Context, ownerKey string, jobType model.JobType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counts, stuckKey{owner: ownerKey, jobType: jobType})
	return nil
}
