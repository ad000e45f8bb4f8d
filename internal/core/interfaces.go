package core

import (
	"context"
	"time"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// This file contains repository and broker interface definitions (ports in
// hexagonal architecture). These interfaces define the contracts between the
// service layer and the data/broker layers. Service implementations should
// depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for durable job-store operations. The
// store is authoritative for status and history; the broker is not.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// SetCorrelationKey writes back the broker reference after dispatch.
	SetCorrelationKey(ctx context.Context, id, key string) error
	// Delete removes the row entirely: the compensating delete on dispatch
	// failure and the stuck-heal path. Completion never deletes.
	Delete(ctx context.Context, id string) (bool, error)
	// MarkRunning transitions pending/scheduled/retrying → running, stamps
	// started_at, and increments attempts. Returns model.ErrJobNotFound when
	// the row is missing, already running, or terminal.
	MarkRunning(ctx context.Context, id string) (*model.Job, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	// MarkRetrying records a retryable failure and the time the next attempt
	// becomes due.
	MarkRetrying(ctx context.Context, params MarkRetryingParams) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	ListRecent(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error)
	// FindStuck returns non-terminal jobs that have sat in pending/scheduled
	// or running beyond the given ages.
	FindStuck(ctx context.Context, params FindStuckParams) ([]*model.Job, error)
	// DeleteFailedOlderThan prunes dead-lettered rows past retention, batched
	// to avoid long locks. Returns rows removed.
	DeleteFailedOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// MarkRetryingParams groups parameters for MarkRetrying to keep param count ≤3.
type MarkRetryingParams struct {
	ID      string
	ErrMsg  string
	NextRun time.Time
}

// FindStuckParams groups the stuck-sweep query parameters.
type FindStuckParams struct {
	// PendingOlderThan is the age beyond which waiting jobs count as stuck,
	// measured from scheduled_for when set (delayed admissions, retry
	// backoff deadlines), created_at otherwise.
	PendingOlderThan time.Duration
	// RunningOlderThan is the age beyond which running jobs count as stuck,
	// measured from started_at.
	RunningOlderThan time.Duration
	// ExcludeQueues are skipped for the pending check (parked placeholders).
	ExcludeQueues []model.Queue
	// Limit bounds one sweep batch.
	Limit int
}

// ErrorLogRepository defines the interface for the append-only failure log.
type ErrorLogRepository interface {
	Insert(ctx context.Context, entry *model.ErrorLogEntry) (*model.ErrorLogEntry, error)
	GetByID(ctx context.Context, id string) (*model.ErrorLogEntry, error)
	List(ctx context.Context, filter model.ErrorLogFilter, page model.Page) (*model.ErrorLogPage, error)
	Stats(ctx context.Context, window time.Duration) (*model.ErrorStats, error)
	// CountByTypeSince feeds repeated-failure pattern detection.
	CountByTypeSince(ctx context.Context, since time.Time) (map[model.JobType]int, error)
	// ListCritical returns CRITICAL-severity entries in the window, newest
	// first, capped at limit.
	ListCritical(ctx context.Context, since time.Time, limit int) ([]model.ErrorLogEntry, error)
	// DeleteOlderThan removes entries past retention in batches. Returns rows
	// removed.
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// CacheRepository defines the interface for cache operations backing dedup
// claims and budget counters.
type CacheRepository interface {
	// SetIfNotExists atomically claims key. Returns true when this caller won.
	SetIfNotExists(ctx context.Context, params SetIfNotExistsParams) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// IncrWithTTL increments a windowed counter, setting the TTL when the key
	// is created. Returns the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// SetIfNotExistsParams groups parameters for SetIfNotExists (≤3 params rule).
type SetIfNotExistsParams struct {
	Key   string
	Value string
	TTL   time.Duration
}

// BrokerItem is one dispatchable unit leased from a queue.
type BrokerItem struct {
	ID         string
	Queue      model.Queue
	Payload    []byte
	Priority   int
	Deliveries int
	EnqueuedAt time.Time
}

// EnqueueParams groups parameters for Broker.Enqueue.
type EnqueueParams struct {
	Queue    model.Queue
	Payload  []byte
	Priority int
	// Delay defers visibility; the item lands on the delayed set.
	Delay time.Duration
}

// RepeatableSpec is a durable recurring-admission registration stored in the
// broker so schedules survive restarts.
type RepeatableSpec struct {
	ID        string        `json:"id"`
	Type      model.JobType `json:"type"`
	Payload   []byte        `json:"payload"`
	Cron      string        `json:"cron"`
	CreatedAt time.Time     `json:"created_at"`
}

// Broker defines the work-distribution substrate: per-queue priority/delay
// dispatch with visibility-timeout leases, plus durable repeatable
// registrations. Not authoritative for job status.
type Broker interface {
	// Enqueue makes an item dispatchable (or delayed) and returns its id.
	Enqueue(ctx context.Context, params EnqueueParams) (string, error)
	// Dequeue leases the highest-priority due item for the queue's visibility
	// timeout. Returns nil when the queue is empty.
	Dequeue(ctx context.Context, queue model.Queue) (*BrokerItem, error)
	// Ack removes a leased item permanently.
	Ack(ctx context.Context, queue model.Queue, itemID string) error
	// Release returns a leased item to the queue after delay (retry backoff).
	Release(ctx context.Context, params ReleaseParams) error
	// Remove deletes an item wherever it sits (ready, delayed, or leased).
	// Returns false when no such item exists.
	Remove(ctx context.Context, queue model.Queue, itemID string) (bool, error)
	// Depths reports ready+delayed item counts per queue.
	Depths(ctx context.Context) (map[model.Queue]int64, error)

	RegisterRepeatable(ctx context.Context, spec RepeatableSpec) error
	Repeatables(ctx context.Context) ([]RepeatableSpec, error)
	UnregisterAll(ctx context.Context) (int, error)
	// ClaimFire takes the cross-process lock for one occurrence of a
	// repeatable. Returns true when this process should fire it.
	ClaimFire(ctx context.Context, spec RepeatableSpec, occurrence time.Time) (bool, error)
}

// ReleaseParams groups parameters for Broker.Release.
type ReleaseParams struct {
	Queue  model.Queue
	ItemID string
	Delay  time.Duration
}

// StuckCounterStore tracks consecutive stuck detections per (owner, type).
// Constructor-injected so tests can reset it and multi-instance deployments
// can swap in a shared backend.
type StuckCounterStore interface {
	// Incr bumps the counter and returns the new value.
	Incr(ctx context.Context, ownerKey string, jobType model.JobType) (int, error)
	// Reset clears the counter so the next detection counts as first-occurrence.
	Reset(ctx context.Context, ownerKey string, jobType model.JobType) error
}

// Admitter is the admission entry point consumed by the scheduler and by
// workers that fan out follow-up jobs.
type Admitter interface {
	Admit(ctx context.Context, req AdmitRequest) (model.JobHandle, error)
}

// AdmitRequest groups the admission parameters (≤3 params rule).
type AdmitRequest struct {
	Type    model.JobType
	Payload model.Payload
	Options model.AdmitOptions
}
