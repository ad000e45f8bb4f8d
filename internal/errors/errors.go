// Package errors defines the job failure taxonomy: every handler failure is
// normalized into a JobError carrying a category, severity, and retryability
// before the retry policy or the error tracker sees it.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category buckets a failure by its origin. The set is closed.
type Category string

const (
	// CategoryExternalAPI covers upstream SaaS/API failures (content engines,
	// search consoles, social platforms).
	CategoryExternalAPI Category = "EXTERNAL_API"
	// CategoryDatabase covers job-store and other relational failures.
	CategoryDatabase Category = "DATABASE"
	// CategoryConfiguration covers missing credentials, bad env, absent
	// settings. Never retried.
	CategoryConfiguration Category = "CONFIGURATION"
	// CategoryBusinessLogic covers domain-rule violations raised by handlers.
	CategoryBusinessLogic Category = "BUSINESS_LOGIC"
	// CategoryNotFound covers referenced entities that no longer exist.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryRateLimit covers upstream throttling (429s).
	CategoryRateLimit Category = "RATE_LIMIT"
	// CategoryAuth covers rejected credentials and permission errors.
	CategoryAuth Category = "AUTH"
	// CategoryNetwork covers timeouts, refused connections, DNS failures.
	CategoryNetwork Category = "NETWORK"
	// CategoryUnknown is the fallback when classification finds no signal.
	CategoryUnknown Category = "UNKNOWN"
)

// Severity grades how a failure should be handled.
type Severity string

const (
	// SeverityTemporary marks blips expected to clear quickly; shortest backoff.
	SeverityTemporary Severity = "TEMPORARY"
	// SeverityRecoverable marks failures worth the full retry budget.
	SeverityRecoverable Severity = "RECOVERABLE"
	// SeverityPermanent marks failures that will not succeed on retry.
	SeverityPermanent Severity = "PERMANENT"
	// SeverityCritical marks failures needing human intervention; dead-lettered
	// immediately.
	SeverityCritical Severity = "CRITICAL"
)

// JobError is the normalized failure handed to the retry policy and the error
// tracker. It wraps the raw cause for errors.Is/As.
type JobError struct {
	// Name is a stable short identifier ("RateLimitError", "DBError").
	Name      string
	Message   string
	Category  Category
	Severity  Severity
	Retryable bool
	// RetryAfter carries an upstream-supplied delay for rate limits; zero means
	// the policy default applies.
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// ExternalAPI creates an upstream-API failure, retryable by default.
func ExternalAPI(message string) *JobError {
	return &JobError{
		Name:      "ExternalAPIError",
		Message:   message,
		Category:  CategoryExternalAPI,
		Severity:  SeverityRecoverable,
		Retryable: true,
	}
}

// Database creates a job-store failure, retryable by default.
func Database(message string) *JobError {
	return &JobError{
		Name:      "DatabaseError",
		Message:   message,
		Category:  CategoryDatabase,
		Severity:  SeverityRecoverable,
		Retryable: true,
	}
}

// Configuration creates a configuration failure. Critical and never retryable.
func Configuration(message string) *JobError {
	return &JobError{
		Name:      "ConfigurationError",
		Message:   message,
		Category:  CategoryConfiguration,
		Severity:  SeverityCritical,
		Retryable: false,
	}
}

// BusinessLogic creates a domain-rule failure. Permanent: retrying does not
// change the rule.
func BusinessLogic(message string) *JobError {
	return &JobError{
		Name:      "BusinessLogicError",
		Message:   message,
		Category:  CategoryBusinessLogic,
		Severity:  SeverityPermanent,
		Retryable: false,
	}
}

// NotFound creates a missing-entity failure. Permanent.
func NotFound(message string) *JobError {
	return &JobError{
		Name:      "NotFoundError",
		Message:   message,
		Category:  CategoryNotFound,
		Severity:  SeverityPermanent,
		Retryable: false,
	}
}

// RateLimit creates a throttling failure. retryAfter may be zero when the
// upstream gave no hint.
func RateLimit(message string, retryAfter time.Duration) *JobError {
	return &JobError{
		Name:       "RateLimitError",
		Message:    message,
		Category:   CategoryRateLimit,
		Severity:   SeverityTemporary,
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Auth creates a credential/permission failure. Critical: a bad credential
// needs an operator, not a retry.
func Auth(message string) *JobError {
	return &JobError{
		Name:      "AuthError",
		Message:   message,
		Category:  CategoryAuth,
		Severity:  SeverityCritical,
		Retryable: false,
	}
}

// Network creates a connectivity failure. Temporary and retryable.
func Network(message string) *JobError {
	return &JobError{
		Name:      "NetworkError",
		Message:   message,
		Category:  CategoryNetwork,
		Severity:  SeverityTemporary,
		Retryable: true,
	}
}

// Unknown creates the fallback classification: recoverable and retryable, so
// an unrecognized blip still gets its retry budget.
func Unknown(message string) *JobError {
	return &JobError{
		Name:      "UnknownError",
		Message:   message,
		Category:  CategoryUnknown,
		Severity:  SeverityRecoverable,
		Retryable: true,
	}
}

// Wrap attaches a cause to a constructed JobError.
func Wrap(err error, je *JobError) *JobError {
	if je == nil {
		return nil
	}
	je.Cause = err
	return je
}

// As extracts a *JobError from an error chain.
func As(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, c Category) bool {
	je, ok := As(err)
	return ok && je.Category == c
}

// IsSeverity reports whether err carries the given severity.
func IsSeverity(err error, s Severity) bool {
	je, ok := As(err)
	return ok && je.Severity == s
}

// IsRetryable reports whether err may be retried. Unclassified errors are
// treated as retryable, matching the Unknown default.
func IsRetryable(err error) bool {
	if je, ok := As(err); ok {
		return je.Retryable
	}
	return true
}
