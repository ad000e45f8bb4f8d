// Package notify defines the alerting port used by error-pattern detection.
package notify

import (
	"context"
	"time"
)

// Alert levels recognised by downstream sinks.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// PatternAlertPayload captures one detected failure pattern for delivery.
type PatternAlertPayload struct {
	Level      string
	Kind       string
	JobType    string
	Count      int
	Window     time.Duration
	Examples   []string
	OccurredAt time.Time
}

// Sink describes a destination capable of consuming pattern alerts.
type Sink interface {
	SendPatternAlert(ctx context.Context, payload PatternAlertPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload PatternAlertPayload) error

// SendPatternAlert implements the Sink interface.
func (f SinkFunc) SendPatternAlert(ctx context.Context, payload PatternAlertPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
