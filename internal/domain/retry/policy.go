// Package retry holds the pure retry-delay and dead-letter policy applied to
// classified job failures. No I/O: the worker and admission layers feed it
// classified errors and attempt counts.
package retry

import (
	"math/rand"
	"time"

	apperrors "github.com/pagecraft/orchestrator/internal/errors"
)

const (
	// baseTemporary is the backoff base for TEMPORARY-severity failures.
	baseTemporary = 2 * time.Second
	// baseDefault is the backoff base for all other retryable failures.
	baseDefault = 5 * time.Second
	// maxDelay caps exponential growth.
	maxDelay = 5 * time.Minute
	// defaultRateLimitDelay applies when a rate-limited upstream gave no
	// Retry-After hint.
	defaultRateLimitDelay = 60 * time.Second
	// jitterFraction spreads retries ±20% to break tenant synchronization.
	jitterFraction = 0.2
	// DefaultMaxAttempts is the dead-letter ceiling for retryable failures.
	DefaultMaxAttempts = 5
)

// Policy computes retry delays and dead-letter decisions. The zero value is
// not usable; construct with New.
type Policy struct {
	// jitter returns a uniform value in [-1, 1).
	jitter func() float64
}

// Option configures a Policy.
type Option func(*Policy)

// WithJitterSource overrides the jitter source, for deterministic tests.
func WithJitterSource(fn func() float64) Option {
	return func(p *Policy) { p.jitter = fn }
}

// New builds a Policy with seeded jitter.
func New(opts ...Option) *Policy {
	p := &Policy{
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay returns how long to wait before attempt attemptsMade+1.
// Non-retryable failures get 0. Rate limits honor the upstream hint, falling
// back to a fixed 60s. Everything else backs off exponentially from a
// severity-dependent base, capped at 5 minutes, with ±20% jitter.
func (p *Policy) Delay(err error, attemptsMade int) time.Duration {
	je := apperrors.Classify(err)
	if je == nil || !je.Retryable {
		return 0
	}
	if je.Category == apperrors.CategoryRateLimit {
		if je.RetryAfter > 0 {
			return je.RetryAfter
		}
		return defaultRateLimitDelay
	}
	return p.addJitter(BaseDelay(je.Severity, attemptsMade))
}

// BaseDelay is the jitter-free exponential delay, exported so callers can
// reason about the monotone schedule directly.
func BaseDelay(severity apperrors.Severity, attemptsMade int) time.Duration {
	base := baseDefault
	if severity == apperrors.SeverityTemporary {
		base = baseTemporary
	}
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	d := base
	for i := 0; i < attemptsMade; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p *Policy) addJitter(d time.Duration) time.Duration {
	offset := time.Duration(float64(d) * jitterFraction * p.jitter())
	out := d + offset
	if out < 0 {
		return 0
	}
	return out
}

// ShouldDeadLetter decides whether a failure ends the job instead of retrying.
// CRITICAL severity and CONFIGURATION category dead-letter immediately;
// PERMANENT after the first attempt; everything else once attemptsMade
// reaches the ceiling.
func ShouldDeadLetter(err error, attemptsMade, maxAttempts int) bool {
	je := apperrors.Classify(err)
	if je == nil {
		return false
	}
	if je.Severity == apperrors.SeverityCritical || je.Category == apperrors.CategoryConfiguration {
		return true
	}
	if je.Severity == apperrors.SeverityPermanent {
		return attemptsMade >= 1
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return attemptsMade >= maxAttempts
}
