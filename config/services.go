package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the queue workers.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeScheduler runs the recurring-admission scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeStuckDetector runs the stuck-task detector sweep.
	ServiceModeStuckDetector ServiceMode = "stuck-detector"
	// ServiceModeErrorPatterns runs the error-pattern detection loop.
	ServiceModeErrorPatterns ServiceMode = "error-patterns"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeScheduler,
		ServiceModeStuckDetector,
		ServiceModeErrorPatterns,
	}
}

// ParseServices parses a comma-delimited string of service names and returns
// the enabled services. Unknown names are an error, not a silent skip.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeScheduler, ServiceModeStuckDetector, ServiceModeErrorPatterns:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, scheduler, stuck-detector, error-patterns)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// AdmissionConfig contains admission pipeline configuration.
type AdmissionConfig struct {
	// DedupTTL is how long an admission dedup claim outlives its job at most.
	// The claim is released when the job reaches a terminal state.
	DedupTTL time.Duration `env:"ADMISSION_DEDUP_TTL" envDefault:"24h"`

	// ContentDailyBudget caps daily admissions to the content queue.
	ContentDailyBudget int64 `env:"ADMISSION_CONTENT_DAILY_BUDGET" envDefault:"2000"`

	// SocialDailyBudget caps daily admissions to the social queue.
	SocialDailyBudget int64 `env:"ADMISSION_SOCIAL_DAILY_BUDGET" envDefault:"1000"`

	// BudgetWarnRatio is the fraction of a budget at which a warning is logged.
	BudgetWarnRatio float64 `env:"ADMISSION_BUDGET_WARN_RATIO" envDefault:"0.8"`
}

// Sanitize applies guardrails to admission configuration values.
func (a *AdmissionConfig) Sanitize() {
	if a.DedupTTL < time.Minute {
		a.DedupTTL = time.Minute
	}
	if a.ContentDailyBudget < 1 {
		a.ContentDailyBudget = 1
	}
	if a.SocialDailyBudget < 1 {
		a.SocialDailyBudget = 1
	}
	if a.BudgetWarnRatio <= 0 || a.BudgetWarnRatio >= 1 {
		a.BudgetWarnRatio = 0.8
	}
}

// WorkerConfig contains queue worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines per queue.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// PollInterval is how long a worker sleeps when its queue is empty.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
}

// SchedulerConfig contains recurring-admission scheduler configuration.
type SchedulerConfig struct {
	// Interval is the scheduler tick interval. Schedules are cron patterns
	// with minute resolution, so ticking faster than ~15s buys nothing.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < 5*time.Second {
		s.Interval = 5 * time.Second
	}
}

// DetectorConfig contains stuck-task detector configuration.
type DetectorConfig struct {
	// Interval is the sweep interval.
	Interval time.Duration `env:"DETECTOR_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is how long a pending/scheduled job may sit before it
	// counts as stuck. The planned queue is always excluded.
	PendingMaxAge time.Duration `env:"DETECTOR_PENDING_MAX_AGE" envDefault:"30m"`

	// RunningMaxAge is how long a running job may hold its lease (from
	// started_at) before it counts as stuck.
	RunningMaxAge time.Duration `env:"DETECTOR_RUNNING_MAX_AGE" envDefault:"60m"`

	// MaxStuckCount bounds healing: beyond this many consecutive detections
	// per (owner, type), the job is permanently failed instead of healed.
	MaxStuckCount int `env:"DETECTOR_MAX_STUCK_COUNT" envDefault:"3"`

	// BatchSize is the maximum stuck jobs processed per sweep.
	BatchSize int `env:"DETECTOR_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to detector configuration values.
func (d *DetectorConfig) Sanitize() {
	if d.Interval < time.Minute {
		d.Interval = time.Minute
	}
	if d.PendingMaxAge < 5*time.Minute {
		d.PendingMaxAge = 5 * time.Minute
	}
	if d.RunningMaxAge < 5*time.Minute {
		d.RunningMaxAge = 5 * time.Minute
	}
	if d.MaxStuckCount < 1 {
		d.MaxStuckCount = 1
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.BatchSize > 10000 {
		d.BatchSize = 10000
	}
}

// ErrorTrackingConfig contains error tracking and pattern detection configuration.
type ErrorTrackingConfig struct {
	// PatternInterval is how often pattern detection runs.
	PatternInterval time.Duration `env:"ERROR_PATTERN_INTERVAL" envDefault:"10m"`

	// PatternWindow is the trailing window pattern detection examines.
	PatternWindow time.Duration `env:"ERROR_PATTERN_WINDOW" envDefault:"1h"`

	// FailureThreshold is the per-type failure count per window that triggers
	// a warning alert.
	FailureThreshold int `env:"ERROR_FAILURE_THRESHOLD" envDefault:"10"`

	// MaxExamples caps the example entries attached to a critical alert.
	MaxExamples int `env:"ERROR_MAX_EXAMPLES" envDefault:"20"`

	// RetentionDays is how long error log entries are kept.
	RetentionDays int `env:"ERROR_RETENTION_DAYS" envDefault:"30"`

	// CleanupBatchSize is the maximum rows deleted per cleanup batch.
	CleanupBatchSize int `env:"ERROR_CLEANUP_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to error tracking configuration values.
func (e *ErrorTrackingConfig) Sanitize() {
	if e.PatternInterval < time.Minute {
		e.PatternInterval = time.Minute
	}
	if e.PatternWindow < 5*time.Minute {
		e.PatternWindow = 5 * time.Minute
	}
	if e.FailureThreshold < 1 {
		e.FailureThreshold = 1
	}
	if e.MaxExamples < 1 {
		e.MaxExamples = 1
	}
	if e.RetentionDays < 1 {
		e.RetentionDays = 1
	}
	if e.CleanupBatchSize < 1 {
		e.CleanupBatchSize = 1
	}
	if e.CleanupBatchSize > 10000 {
		e.CleanupBatchSize = 10000
	}
}
