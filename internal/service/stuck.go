package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	apperrors "github.com/pagecraft/orchestrator/internal/errors"
	"github.com/pagecraft/orchestrator/internal/observability/metrics"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
)

// Severities written onto error log entries by the detector and the worker's
// dead-letter path. These grade operator attention, not retryability, so they
// sit outside the classifier's severity set.
const (
	severityMedium = "MEDIUM"
	severityHigh   = "HIGH"
)

// StuckDetectorServiceOptions groups dependencies for StuckDetectorService.
type StuckDetectorServiceOptions struct {
	Jobs         core.JobRepository      // Required: durable job store
	Broker       core.Broker             // Required: broker for orphan removal
	ErrorLogs    core.ErrorLogRepository // Required: heal/fail audit entries
	Counters     core.StuckCounterStore  // Required: consecutive-detection counters
	Claims       ClaimReleaser           // Optional: dedup claim release when a job leaves the store
	Config       config.DetectorConfig   // Required: detector tuning
	Logger       *slog.Logger            // Optional: structured logger
	Metrics      statsd.Sink             // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider       // Optional: time provider (defaults to real time)
}

// StuckDetectorService is the out-of-band repair loop for drift between the
// job store and the broker. Jobs that sit in pending/scheduled past the
// pending age (never picked up) or in running past the running age (worker
// died holding the lease) are healed by deleting both halves, so an upstream
// planner can re-issue the work fresh. A per-(owner, type) counter bounds
// healing: past the ceiling the job is failed permanently and left visible
// for manual intervention instead of being deleted again.
type StuckDetectorService struct {
	jobs         core.JobRepository
	broker       core.Broker
	errorLogs    core.ErrorLogRepository
	counters     core.StuckCounterStore
	claims       ClaimReleaser
	config       config.DetectorConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewStuckDetectorService constructs a new StuckDetectorService.
func NewStuckDetectorService(opts StuckDetectorServiceOptions) (*StuckDetectorService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("Broker is required")
	}
	if opts.ErrorLogs == nil {
		return nil, errors.New("ErrorLogRepository is required")
	}
	if opts.Counters == nil {
		return nil, errors.New("StuckCounterStore is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "stuck_detector")
		logger.Debug("StuckDetectorService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"running_max_age", opts.Config.RunningMaxAge,
			"max_stuck_count", opts.Config.MaxStuckCount,
		)
	}

	return &StuckDetectorService{
		jobs:         opts.Jobs,
		broker:       opts.Broker,
		errorLogs:    opts.ErrorLogs,
		counters:     opts.Counters,
		claims:       opts.Claims,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: opts.TimeProvider,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *StuckDetectorService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting stuck detector", "interval", s.config.Interval)
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	waitWithJitter(ctx, s.config.Interval, s.logger)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "stuck detector stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
				// Continue running despite errors
			}
		}
	}
}

// SweepResult reports what one sweep found and did.
type SweepResult struct {
	Detected int
	Healed   int
	Failed   int
}

// Sweep runs one detection pass: finds stuck jobs, heals or permanently fails
// each according to its consecutive-detection count.
func (s *StuckDetectorService) Sweep(ctx context.Context) (SweepResult, error) {
	start := s.timeProvider.Now()
	var result SweepResult

	stuck, err := s.jobs.FindStuck(ctx, core.FindStuckParams{
		PendingOlderThan: s.config.PendingMaxAge,
		RunningOlderThan: s.config.RunningMaxAge,
		ExcludeQueues:    []model.Queue{model.QueuePlanned},
		Limit:            s.config.BatchSize,
	})
	if err != nil {
		s.emitSweepMetrics(result, start, err)
		return result, fmt.Errorf("find stuck jobs: %w", err)
	}

	for _, job := range stuck {
		if ctx.Err() != nil {
			s.emitSweepMetrics(result, start, ctx.Err())
			return result, ctx.Err()
		}
		result.Detected++

		count, countErr := s.counters.Incr(ctx, job.OwnerKey(), job.Type)
		if countErr != nil {
			// Without the counter we cannot distinguish occurrences; treat as
			// first so the bounded-fail ceiling is never jumped spuriously.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "stuck counter unavailable, assuming first occurrence",
					"job_id", job.ID,
					"error", countErr,
				)
			}
			count = 1
		}

		if count > s.config.MaxStuckCount {
			if failErr := s.permanentlyFail(ctx, job, count); failErr != nil {
				s.logSweepError(failErr, "permanent fail")
				continue
			}
			result.Failed++
			continue
		}

		if healErr := s.heal(ctx, job, count); healErr != nil {
			s.logSweepError(healErr, "heal")
			continue
		}
		result.Healed++
	}

	if result.Detected > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "stuck sweep complete",
			"detected", result.Detected,
			"healed", result.Healed,
			"failed", result.Failed,
		)
	}
	s.emitSweepMetrics(result, start, nil)
	return result, nil
}

// heal removes the orphaned broker entry (best effort) and deletes the store
// record so the upstream planner re-issues the work on its next cycle. Both
// phases log their outcome; neither is silent.
func (s *StuckDetectorService) heal(ctx context.Context, job *model.Job, count int) error {
	if job.CorrelationKey != nil {
		s.removeBrokerEntry(ctx, job)
	}

	deleted, err := s.jobs.Delete(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("delete stuck job %s: %w", job.ID, err)
	}
	if !deleted && s.logger != nil {
		s.logger.WarnContext(ctx, "stuck job vanished before heal delete", "job_id", job.ID)
	}
	// The claim taken at admission would otherwise block the re-issue for
	// its full TTL.
	if s.claims != nil {
		s.claims.ReleaseClaim(ctx, job.SiteID, job.Type)
	}

	severity := severityHigh
	if count == 1 {
		severity = severityMedium
	}
	s.writeAuditEntry(ctx, auditEntry{
		Job:      job,
		Count:    count,
		Severity: severity,
		Name:     "StuckJobHealed",
		Message: fmt.Sprintf(
			"job stuck in %s beyond threshold; broker entry removed and record deleted for re-issue",
			job.Status,
		),
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "healed stuck job",
			"job_id", job.ID,
			"job_type", job.Type,
			"status", job.Status,
			"stuck_count", count,
		)
	}
	return nil
}

// permanentlyFail marks the record FAILED and keeps it for manual
// intervention. The broker entry, if any, is still removed so nothing
// redelivers.
func (s *StuckDetectorService) permanentlyFail(ctx context.Context, job *model.Job, count int) error {
	if job.CorrelationKey != nil {
		s.removeBrokerEntry(ctx, job)
	}

	msg := fmt.Sprintf(
		"stuck %d consecutive times for (%s, %s); healing ceiling %d exceeded, requires manual intervention",
		count, job.OwnerKey(), job.Type, s.config.MaxStuckCount,
	)
	updated, err := s.jobs.Fail(ctx, job.ID, msg)
	if err != nil {
		return fmt.Errorf("fail stuck job %s: %w", job.ID, err)
	}
	if !updated && s.logger != nil {
		s.logger.WarnContext(ctx, "stuck job vanished before permanent fail", "job_id", job.ID)
	}
	// FAILED is terminal; release the claim like the worker does on dead-letter.
	if s.claims != nil {
		s.claims.ReleaseClaim(ctx, job.SiteID, job.Type)
	}

	s.writeAuditEntry(ctx, auditEntry{
		Job:      job,
		Count:    count,
		Severity: string(apperrors.SeverityCritical),
		Name:     "StuckJobPermanentFailure",
		Message:  msg,
	})

	if s.logger != nil {
		s.logger.ErrorContext(ctx, "permanently failed stuck job",
			"job_id", job.ID,
			"job_type", job.Type,
			"owner", job.OwnerKey(),
			"stuck_count", count,
		)
	}
	return nil
}

// removeBrokerEntry best-effort removes the broker item referenced by the
// job's correlation key.
func (s *StuckDetectorService) removeBrokerEntry(ctx context.Context, job *model.Job) {
	queue, itemID, err := model.ParseCorrelationKey(*job.CorrelationKey)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "cannot parse correlation key, skipping broker removal",
				"job_id", job.ID,
				"correlation_key", *job.CorrelationKey,
				"error", err,
			)
		}
		return
	}

	removed, err := s.broker.Remove(ctx, queue, itemID)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "broker removal failed during heal",
				"job_id", job.ID,
				"queue", queue,
				"item_id", itemID,
				"error", err,
			)
		}
		return
	}
	if !removed && s.logger != nil {
		s.logger.DebugContext(ctx, "no broker entry to remove",
			"job_id", job.ID,
			"queue", queue,
			"item_id", itemID,
		)
	}
}

// auditEntry groups the fields for one detector-written error log entry.
type auditEntry struct {
	Job      *model.Job
	Count    int
	Severity string
	Name     string
	Message  string
}

// writeAuditEntry persists the heal/fail record. Failures degrade to logging;
// recovery must not depend on the error log being writable.
func (s *StuckDetectorService) writeAuditEntry(ctx context.Context, in auditEntry) {
	entry := &model.ErrorLogEntry{
		JobID:         in.Job.ID,
		JobType:       in.Job.Type,
		SiteID:        in.Job.SiteID,
		ErrorName:     in.Name,
		ErrorMessage:  in.Message,
		Category:      string(apperrors.CategoryBusinessLogic),
		Severity:      in.Severity,
		Retryable:     false,
		AttemptNumber: in.Job.Attempts,
		Context: map[string]string{
			"stuck_count": strconv.Itoa(in.Count),
			"queue":       string(in.Job.Queue),
			"status":      string(in.Job.Status),
		},
	}
	if _, err := s.errorLogs.Insert(ctx, entry); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to write stuck audit entry",
			"job_id", in.Job.ID,
			"error", err,
		)
	}
}

// ResetStuckCount clears the consecutive-detection counter for an owner/type
// pair. Called by the success path of whichever upstream planner re-issues the
// work, so later stuckness counts as first-occurrence again.
func (s *StuckDetectorService) ResetStuckCount(
	ctx context.Context,
	siteID *string,
	jobType model.JobType,
) error {
	return s.counters.Reset(ctx, model.OwnerKey(siteID), jobType)
}

func (s *StuckDetectorService) emitSweepMetrics(result SweepResult, start time.Time, err error) {
	if s.metrics == nil {
		return
	}

	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	} else if result.Detected == 0 {
		outcome = metrics.ResultNoop
	}

	tags := map[string]string{"result": outcome}
	s.metrics.Count("stuck.sweep", 1, tags)
	s.metrics.Timing("stuck.sweep_duration", s.timeProvider.Now().Sub(start), metrics.CloneTags(tags))

	if result.Healed > 0 {
		s.metrics.Count("stuck.healed", int64(result.Healed), nil)
	}
	if result.Failed > 0 {
		s.metrics.Count("stuck.failed_permanently", int64(result.Failed), nil)
	}
}

func (s *StuckDetectorService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}
