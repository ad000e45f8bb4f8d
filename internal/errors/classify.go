package errors

import (
	"context"
	"strings"
	"time"
)

// keywordRule maps lowercase message substrings to a classification. Ordered:
// the first matching rule wins, so the more specific signals come first.
type keywordRule struct {
	keywords []string
	build    func(msg string) *JobError
}

var keywordRules = []keywordRule{
	{
		keywords: []string{"rate limit", "too many requests", "429", "quota exceeded"},
		build:    func(msg string) *JobError { return RateLimit(msg, 0) },
	},
	{
		keywords: []string{"unauthorized", "forbidden", "invalid api key", "api key", "401", "403", "permission denied"},
		build:    Auth,
	},
	{
		keywords: []string{"missing config", "missing credential", "not configured", "env var", "environment variable"},
		build:    Configuration,
	},
	{
		keywords: []string{"timeout", "timed out", "connection refused", "connection reset", "no such host", "dns", "broken pipe", "network"},
		build:    Network,
	},
	{
		keywords: []string{"not found", "does not exist", "404", "no rows"},
		build:    NotFound,
	},
	{
		keywords: []string{"database", "postgres", "sql", "constraint", "deadlock"},
		build:    Database,
	},
}

// Classify normalizes any error into a JobError. Pre-classified errors pass
// through unchanged; context cancellation maps to a temporary network-class
// failure; everything else is classified by lowercase substring match on the
// message, defaulting to UNKNOWN/RECOVERABLE/retryable.
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}
	if je, ok := As(err); ok {
		return je
	}
	if err == context.DeadlineExceeded || err == context.Canceled ||
		strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return Wrap(err, Network("operation canceled or timed out"))
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return Wrap(err, rule.build(err.Error()))
			}
		}
	}
	return Wrap(err, Unknown(err.Error()))
}

// ClassifyWithRetryAfter classifies and, when the result is a rate limit,
// attaches the upstream-supplied delay.
func ClassifyWithRetryAfter(err error, retryAfter time.Duration) *JobError {
	je := Classify(err)
	if je != nil && je.Category == CategoryRateLimit && je.RetryAfter == 0 {
		je.RetryAfter = retryAfter
	}
	return je
}
