package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	apperrors "github.com/pagecraft/orchestrator/internal/errors"
	"github.com/pagecraft/orchestrator/internal/observability/notify"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
)

// ErrorTrackingServiceOptions groups dependencies for ErrorTrackingService.
type ErrorTrackingServiceOptions struct {
	ErrorLogs    core.ErrorLogRepository    // Required: append-only failure log
	Jobs         core.JobRepository         // Required: failed-job retention cleanup
	Config       config.ErrorTrackingConfig // Required: tracking tuning
	Logger       *slog.Logger               // Optional: structured logger
	Metrics      statsd.Sink                // Optional: metrics sink (StatsD-compatible)
	Notifier     notify.Sink                // Optional: pattern alert destination
	TimeProvider data.TimeProvider          // Optional: time provider (defaults to real time)
}

// ErrorTrackingService persists classified job failures, surfaces failure
// patterns over a trailing window, and enforces retention on both the error
// log and dead-lettered job rows.
//
// Recording is deliberately non-fatal: if the log insert fails, the failure is
// written to the structured logger instead so the worker never loses a job
// outcome to tracking-infrastructure trouble.
type ErrorTrackingService struct {
	errorLogs    core.ErrorLogRepository
	jobs         core.JobRepository
	config       config.ErrorTrackingConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	notifier     notify.Sink
	timeProvider data.TimeProvider
}

// NewErrorTrackingService constructs a new ErrorTrackingService.
func NewErrorTrackingService(opts ErrorTrackingServiceOptions) (*ErrorTrackingService, error) {
	if opts.ErrorLogs == nil {
		return nil, errors.New("ErrorLogRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "error_tracking_service")
	}

	return &ErrorTrackingService{
		errorLogs:    opts.ErrorLogs,
		jobs:         opts.Jobs,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
		timeProvider: opts.TimeProvider,
	}, nil
}

// RecordParams groups the inputs for recording one job failure.
type RecordParams struct {
	JobID   string
	JobType model.JobType
	SiteID  *string
	Attempt int
	Err     error
	// Severity, when set, overrides the classified severity. Used by the
	// dead-letter path, which is operator-visible regardless of how the
	// failure classified.
	Severity string
	// Context carries free-form diagnostic pairs (correlation id, queue).
	Context map[string]string
}

// Record classifies and persists one failure. Classification is skipped when
// the error already carries a taxonomy. Persistence failures degrade to a log
// line and never propagate to the caller.
func (s *ErrorTrackingService) Record(ctx context.Context, params RecordParams) *model.ErrorLogEntry {
	if params.Err == nil {
		return nil
	}

	je := apperrors.Classify(params.Err)
	entry := &model.ErrorLogEntry{
		JobID:         params.JobID,
		JobType:       params.JobType,
		SiteID:        params.SiteID,
		ErrorName:     je.Name,
		ErrorMessage:  je.Error(),
		Category:      string(je.Category),
		Severity:      string(je.Severity),
		Retryable:     je.Retryable,
		AttemptNumber: params.Attempt,
		Context:       params.Context,
	}
	if params.Severity != "" {
		entry.Severity = params.Severity
	}

	stored, err := s.errorLogs.Insert(ctx, entry)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "error log insert failed, degrading to log-only",
				"job_id", params.JobID,
				"job_type", params.JobType,
				"category", entry.Category,
				"severity", entry.Severity,
				"job_error", entry.ErrorMessage,
				"error", err,
			)
		}
		if s.metrics != nil {
			s.metrics.Count("errortrack.insert_failed", 1, map[string]string{
				"job_type": string(params.JobType),
			})
		}
		return entry
	}

	if s.metrics != nil {
		s.metrics.Count("errortrack.recorded", 1, map[string]string{
			"job_type": string(params.JobType),
			"category": entry.Category,
			"severity": entry.Severity,
		})
	}
	return stored
}

// DetectPatterns examines the trailing window for anomalies: job types failing
// past the threshold, and any critical-severity entries. Detected patterns are
// returned and, when a notifier is wired, delivered as alerts.
func (s *ErrorTrackingService) DetectPatterns(ctx context.Context) ([]model.ErrorPattern, error) {
	since := s.timeProvider.Now().Add(-s.config.PatternWindow)

	var patterns []model.ErrorPattern

	counts, err := s.errorLogs.CountByTypeSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count failures by type: %w", err)
	}
	for jobType, count := range counts {
		if count > s.config.FailureThreshold {
			patterns = append(patterns, model.ErrorPattern{
				Kind:    model.PatternRepeatedFailure,
				JobType: jobType,
				Count:   count,
				Window:  s.config.PatternWindow,
			})
		}
	}

	critical, err := s.errorLogs.ListCritical(ctx, since, s.config.MaxExamples)
	if err != nil {
		return nil, fmt.Errorf("list critical failures: %w", err)
	}
	patterns = append(patterns, groupCritical(critical, s.config.PatternWindow)...)

	for _, p := range patterns {
		s.alert(ctx, p)
	}
	return patterns, nil
}

// groupCritical buckets critical entries into one pattern per job type,
// keeping the entries themselves as examples.
func groupCritical(entries []model.ErrorLogEntry, window time.Duration) []model.ErrorPattern {
	if len(entries) == 0 {
		return nil
	}
	byType := make(map[model.JobType][]model.ErrorLogEntry)
	var order []model.JobType
	for _, e := range entries {
		if _, seen := byType[e.JobType]; !seen {
			order = append(order, e.JobType)
		}
		byType[e.JobType] = append(byType[e.JobType], e)
	}

	patterns := make([]model.ErrorPattern, 0, len(order))
	for _, jobType := range order {
		group := byType[jobType]
		patterns = append(patterns, model.ErrorPattern{
			Kind:     model.PatternCriticalError,
			JobType:  jobType,
			Count:    len(group),
			Window:   window,
			Examples: group,
		})
	}
	return patterns
}

func (s *ErrorTrackingService) alert(ctx context.Context, p model.ErrorPattern) {
	level := notify.LevelWarning
	if p.Kind == model.PatternCriticalError {
		level = notify.LevelCritical
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "failure pattern detected",
			"kind", p.Kind,
			"job_type", p.JobType,
			"count", p.Count,
			"window", p.Window,
		)
	}
	if s.metrics != nil {
		s.metrics.Count("errortrack.pattern", 1, map[string]string{
			"kind":     p.Kind,
			"job_type": string(p.JobType),
			"level":    level,
		})
	}
	if s.notifier == nil {
		return
	}

	examples := make([]string, 0, len(p.Examples))
	for _, e := range p.Examples {
		examples = append(examples, fmt.Sprintf("[%s] job %s: %s", e.Severity, e.JobID, e.ErrorMessage))
	}
	payload := notify.PatternAlertPayload{
		Level:      level,
		Kind:       p.Kind,
		JobType:    string(p.JobType),
		Count:      p.Count,
		Window:     p.Window,
		Examples:   examples,
		OccurredAt: s.timeProvider.Now(),
	}
	if err := s.notifier.SendPatternAlert(ctx, payload); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "pattern alert delivery failed",
			"kind", p.Kind,
			"job_type", p.JobType,
			"error", err,
		)
	}
}

// Stats aggregates failures over the given window.
func (s *ErrorTrackingService) Stats(ctx context.Context, window time.Duration) (*model.ErrorStats, error) {
	if window <= 0 {
		window = s.config.PatternWindow
	}
	return s.errorLogs.Stats(ctx, window)
}

// Query returns a filtered, paginated slice of the error log, newest first.
func (s *ErrorTrackingService) Query(
	ctx context.Context,
	filter model.ErrorLogFilter,
	page model.Page,
) (*model.ErrorLogPage, error) {
	return s.errorLogs.List(ctx, filter, page.Clamp())
}

// GetByID fetches one error log entry.
func (s *ErrorTrackingService) GetByID(ctx context.Context, id string) (*model.ErrorLogEntry, error) {
	return s.errorLogs.GetByID(ctx, id)
}

// CleanupResult reports what one retention pass removed.
type CleanupResult struct {
	ErrorLogsDeleted  int64
	FailedJobsDeleted int64
}

// Cleanup enforces retention: error log entries past RetentionDays are
// deleted, along with the dead-lettered job rows they described. Batched so
// large backlogs never hold long locks.
func (s *ErrorTrackingService) Cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	maxAge := time.Duration(s.config.RetentionDays) * 24 * time.Hour

	for {
		count, err := s.errorLogs.DeleteOlderThan(ctx, maxAge, s.config.CleanupBatchSize)
		if err != nil {
			return result, fmt.Errorf("delete old error logs: %w", err)
		}
		result.ErrorLogsDeleted += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	for {
		count, err := s.jobs.DeleteFailedOlderThan(ctx, maxAge, s.config.CleanupBatchSize)
		if err != nil {
			return result, fmt.Errorf("delete old failed jobs: %w", err)
		}
		result.FailedJobsDeleted += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	if (result.ErrorLogsDeleted > 0 || result.FailedJobsDeleted > 0) && s.logger != nil {
		s.logger.InfoContext(ctx, "retention cleanup complete",
			"error_logs_deleted", result.ErrorLogsDeleted,
			"failed_jobs_deleted", result.FailedJobsDeleted,
			"retention_days", s.config.RetentionDays,
		)
	}
	return result, nil
}

// Run starts the pattern-detection loop and runs until the context is
// cancelled. Each tick detects patterns; cleanup piggybacks on the same loop
// once per day's worth of ticks have elapsed.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ErrorTrackingService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting error tracking service",
			"pattern_interval", s.config.PatternInterval,
			"pattern_window", s.config.PatternWindow,
		)
	}

	ticker := time.NewTicker(s.config.PatternInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "error tracking service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.DetectPatterns(ctx); err != nil && !isContextCancellation(err) {
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "pattern detection failed", "error", err)
				}
			}

		case <-cleanupTicker.C:
			if _, err := s.Cleanup(ctx); err != nil && !isContextCancellation(err) {
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "retention cleanup failed", "error", err)
				}
			}
		}
	}
}
