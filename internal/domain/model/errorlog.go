package model

import (
	"errors"
	"time"
)

// ErrLogEntryNotFound is returned when an error-log entry does not exist.
var ErrLogEntryNotFound = errors.New("error log entry not found")

// ErrorLogEntry is one append-only record of a job failure. Entries are never
// updated; retention cleanup is the only delete path.
type ErrorLogEntry struct {
	ID            string            `json:"id"                     db:"id"`
	JobID         string            `json:"job_id"                 db:"job_id"`
	JobType       JobType           `json:"job_type"               db:"job_type"`
	SiteID        *string           `json:"site_id,omitempty"      db:"site_id"`
	ErrorName     string            `json:"error_name"             db:"error_name"`
	ErrorMessage  string            `json:"error_message"          db:"error_message"`
	Category      string            `json:"category"               db:"category"`
	Severity      string            `json:"severity"               db:"severity"`
	Retryable     bool              `json:"retryable"              db:"retryable"`
	AttemptNumber int               `json:"attempt_number"         db:"attempt_number"`
	Context       map[string]string `json:"context,omitempty"      db:"context"`
	StackTrace    *string           `json:"stack_trace,omitempty"  db:"stack_trace"`
	CreatedAt     time.Time         `json:"created_at"             db:"created_at"`
}

// ErrorLogFilter narrows Query results. Zero values mean "no constraint".
type ErrorLogFilter struct {
	JobType  JobType
	SiteID   string
	Category string
	Severity string
	Since    time.Time
	Until    time.Time
}

// Page is limit/offset pagination for read APIs.
type Page struct {
	Limit  int
	Offset int
}

// Clamp bounds the page to sane values for unvalidated caller input.
func (p Page) Clamp() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ErrorLogPage is one page of entries plus the unpaged total.
type ErrorLogPage struct {
	Entries []ErrorLogEntry `json:"entries"`
	Total   int             `json:"total"`
}

// ErrorStats aggregates failures over a window for dashboards and the
// pattern detector.
type ErrorStats struct {
	Window     time.Duration  `json:"window"`
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
}

// Pattern kinds surfaced by detection.
const (
	// PatternRepeatedFailure marks a job type failing past the window threshold.
	PatternRepeatedFailure = "repeated-failure"
	// PatternCriticalError marks critical-severity failures in the window.
	PatternCriticalError = "critical-error"
)

// ErrorPattern is one anomaly surfaced by pattern detection.
type ErrorPattern struct {
	// Kind is PatternRepeatedFailure or PatternCriticalError.
	Kind     string          `json:"kind"`
	JobType  JobType         `json:"job_type"`
	Count    int             `json:"count"`
	Window   time.Duration   `json:"window"`
	Examples []ErrorLogEntry `json:"examples,omitempty"`
}
