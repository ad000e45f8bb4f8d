package model

import "time"

// AdmitOptions tunes one admission. The zero value is valid: queue defaults,
// no delay, priority 5.
type AdmitOptions struct {
	// Priority is 1 (lowest) to 10 (highest); 0 means default (5). Out-of-range
	// values are clamped.
	Priority int
	// Delay defers dispatch; the job is created as scheduled and the broker
	// item lands on the delayed set.
	Delay time.Duration
	// MaxAttempts overrides the queue default attempt ceiling when > 0.
	MaxAttempts int
	// CorrelationID is an optional caller-supplied trace id carried into
	// error-log context.
	CorrelationID string
}

// DefaultPriority is the midpoint priority applied when options leave it unset.
const DefaultPriority = 5

// ClampPriority forces p into [1,10], mapping 0 to the default.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// HandleKind discriminates admission outcomes.
type HandleKind string

const (
	// HandleJob means a durable job was created and dispatched.
	HandleJob HandleKind = "job"
	// HandleDedup means an equivalent job already holds the (site, type) claim.
	HandleDedup HandleKind = "dedup"
	// HandleBudgetExceeded means the queue's daily budget is spent.
	HandleBudgetExceeded HandleKind = "budget-exceeded"
)

// JobHandle is the admission outcome. Dedup and budget short-circuits are
// first-class results, not errors: the caller asked for work to exist, and in
// the dedup case it already does.
type JobHandle struct {
	Kind     HandleKind `json:"kind"`
	JobID    string     `json:"job_id,omitempty"`
	Sentinel string     `json:"sentinel,omitempty"`
}

// IsJob reports whether real work was admitted.
func (h JobHandle) IsJob() bool { return h.Kind == HandleJob }

// NewJobHandle wraps a created job id.
func NewJobHandle(jobID string) JobHandle {
	return JobHandle{Kind: HandleJob, JobID: jobID}
}

// NewDedupHandle builds the dedup sentinel outcome for an owner/type pair.
func NewDedupHandle(ownerKey string, t JobType) JobHandle {
	return JobHandle{Kind: HandleDedup, Sentinel: "dedup:" + ownerKey + ":" + string(t)}
}

// NewBudgetHandle builds the budget-exceeded sentinel outcome for a queue/type pair.
func NewBudgetHandle(q Queue, t JobType) JobHandle {
	return JobHandle{Kind: HandleBudgetExceeded, Sentinel: "budget-exceeded:" + string(q) + ":" + string(t)}
}
