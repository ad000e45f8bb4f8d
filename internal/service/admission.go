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
	"github.com/pagecraft/orchestrator/internal/observability/metrics"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
)

// AdmissionServiceOptions groups dependencies for AdmissionService.
type AdmissionServiceOptions struct {
	Jobs         core.JobRepository     // Required: durable job store
	Broker       core.Broker            // Required: dispatch broker
	Cache        core.CacheRepository   // Required: dedup claims and budget counters
	Config       config.AdmissionConfig // Required: admission tuning
	Logger       *slog.Logger           // Optional: structured logger
	Metrics      statsd.Sink            // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider      // Optional: time provider (defaults to real time)
}

// AdmissionService is the single entry point through which jobs come into
// existence. It validates the typed payload, applies per-owner dedup and
// per-queue daily budgets, creates the durable record, and dispatches the
// broker item.
//
// Ordering matters: the durable row is created before the broker item so a
// crash between the two leaves a visible pending row (the stuck detector
// reclaims it) rather than an invisible broker item with no record.
type AdmissionService struct {
	jobs         core.JobRepository
	broker       core.Broker
	cache        core.CacheRepository
	config       config.AdmissionConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

var _ core.Admitter = (*AdmissionService)(nil)

// NewAdmissionService constructs a new AdmissionService.
func NewAdmissionService(opts AdmissionServiceOptions) (*AdmissionService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("Broker is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("CacheRepository is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "admission_service")
	}

	return &AdmissionService{
		jobs:         opts.Jobs,
		broker:       opts.Broker,
		cache:        opts.Cache,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: opts.TimeProvider,
	}, nil
}

// Admit runs the full admission pipeline for one job request.
//
// Dedup and budget short-circuits return a sentinel handle with a nil error;
// only validation failures and infrastructure errors surface as errors. Cache
// unavailability fails open: a broken dedup or budget check admits the job and
// logs a warning rather than blocking the platform on Redis.
func (s *AdmissionService) Admit(ctx context.Context, req core.AdmitRequest) (model.JobHandle, error) {
	start := s.timeProvider.Now()

	siteID, err := s.validate(req)
	if err != nil {
		s.emitAdmitResult(req.Type, "rejected", time.Duration(0))
		return model.JobHandle{}, err
	}

	queue := req.Type.QueueName()
	owner := model.OwnerKey(siteID)

	if handle, short := s.checkDedup(ctx, owner, req.Type); short {
		s.emitAdmitResult(req.Type, string(handle.Kind), s.timeProvider.Now().Sub(start))
		return handle, nil
	}

	if handle, short := s.checkBudget(ctx, budgetCheck{Queue: queue, Type: req.Type, Owner: owner}); short {
		s.emitAdmitResult(req.Type, string(handle.Kind), s.timeProvider.Now().Sub(start))
		return handle, nil
	}

	handle, err := s.createAndDispatch(ctx, req, dispatchTarget{Queue: queue, SiteID: siteID, Owner: owner})
	if err != nil {
		s.emitAdmitResult(req.Type, "error", s.timeProvider.Now().Sub(start))
		return model.JobHandle{}, err
	}

	s.emitAdmitResult(req.Type, string(handle.Kind), s.timeProvider.Now().Sub(start))
	return handle, nil
}

// validate checks type/payload agreement, payload fields, and the site-id
// requirement. Returns the extracted optional site id.
func (s *AdmissionService) validate(req core.AdmitRequest) (*string, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown job type: %q", req.Type)
	}
	if req.Payload == nil {
		return nil, fmt.Errorf("payload is required for job type %s", req.Type)
	}
	if req.Payload.JobType() != req.Type {
		return nil, fmt.Errorf(
			"payload type mismatch: payload is for %s, request is for %s",
			req.Payload.JobType(), req.Type,
		)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", req.Type, err)
	}

	siteID := model.PayloadSiteID(req.Payload)
	if siteID == nil && !req.Type.SiteOptional() {
		return nil, fmt.Errorf("site_id is required for job type %s", req.Type)
	}
	return siteID, nil
}

// checkDedup attempts the (owner, type) claim. Returns a dedup handle and true
// when an equivalent job already holds the claim. Cache failures fail open.
func (s *AdmissionService) checkDedup(
	ctx context.Context,
	owner string,
	jobType model.JobType,
) (model.JobHandle, bool) {
	if jobType.DedupExempt() {
		return model.JobHandle{}, false
	}

	won, err := s.cache.SetIfNotExists(ctx, core.SetIfNotExistsParams{
		Key:   dedupClaimKey(owner, jobType),
		Value: s.timeProvider.Now().UTC().Format(time.RFC3339),
		TTL:   s.config.DedupTTL,
	})
	if err != nil {
		s.logCheckFailed(ctx, "dedup", jobType, err)
		return model.JobHandle{}, false
	}
	if !won {
		return model.NewDedupHandle(owner, jobType), true
	}
	return model.JobHandle{}, false
}

// budgetCheck groups budget-check parameters.
type budgetCheck struct {
	Queue model.Queue
	Type  model.JobType
	Owner string
}

// checkBudget increments the queue's daily counter and short-circuits when the
// ceiling is spent. Unbudgeted queues pass through. Cache failures fail open.
func (s *AdmissionService) checkBudget(ctx context.Context, in budgetCheck) (model.JobHandle, bool) {
	limit := s.budgetFor(in.Queue)
	if limit <= 0 {
		return model.JobHandle{}, false
	}

	day := s.timeProvider.Now().UTC().Format("2006-01-02")
	count, err := s.cache.IncrWithTTL(ctx, budgetCounterKey(in.Queue, in.Type, day), 48*time.Hour)
	if err != nil {
		s.logCheckFailed(ctx, "budget", in.Type, err)
		return model.JobHandle{}, false
	}

	if count > limit {
		// The claim taken moments ago guards a job that will not exist.
		s.releaseClaim(ctx, in.Owner, in.Type)
		if s.logger != nil {
			s.logger.WarnContext(ctx, "daily budget exceeded, admission refused",
				"queue", in.Queue,
				"job_type", in.Type,
				"count", count,
				"limit", limit,
			)
		}
		return model.NewBudgetHandle(in.Queue, in.Type), true
	}

	if float64(count) >= float64(limit)*s.config.BudgetWarnRatio && s.logger != nil {
		s.logger.WarnContext(ctx, "daily budget nearing limit",
			"queue", in.Queue,
			"count", count,
			"limit", limit,
		)
	}
	return model.JobHandle{}, false
}

// dispatchTarget groups the derived admission coordinates.
type dispatchTarget struct {
	Queue  model.Queue
	SiteID *string
	Owner  string
}

// createAndDispatch persists the job, enqueues the broker item, and writes the
// correlation key back. Dispatch failure triggers a compensating delete so no
// orphaned pending row survives.
func (s *AdmissionService) createAndDispatch(
	ctx context.Context,
	req core.AdmitRequest,
	target dispatchTarget,
) (model.JobHandle, error) {
	payload, err := model.EncodePayload(req.Payload)
	if err != nil {
		return model.JobHandle{}, err
	}

	status := model.JobStatusPending
	var scheduledFor *time.Time
	if req.Options.Delay > 0 {
		status = model.JobStatusScheduled
		due := s.timeProvider.Now().Add(req.Options.Delay)
		scheduledFor = &due
	}

	job, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		Type:         req.Type,
		Queue:        target.Queue,
		Status:       status,
		Priority:     model.ClampPriority(req.Options.Priority),
		Payload:      payload,
		SiteID:       target.SiteID,
		MaxAttempts:  req.Options.MaxAttempts,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateJob) {
			// The store's partial unique index caught what the cache claim
			// missed (expired claim, concurrent admit). The claim we just took
			// now mirrors the surviving row, so it stays.
			return model.NewDedupHandle(target.Owner, req.Type), nil
		}
		s.releaseClaimFor(ctx, req.Type, target.Owner)
		return model.JobHandle{}, fmt.Errorf("create job: %w", err)
	}

	envelope, err := core.EncodeEnvelope(core.TaskEnvelope{
		JobID:   job.ID,
		Type:    job.Type,
		Payload: payload,
	})
	if err != nil {
		s.compensate(ctx, job, target.Owner)
		return model.JobHandle{}, err
	}

	itemID, err := s.broker.Enqueue(ctx, core.EnqueueParams{
		Queue:    target.Queue,
		Payload:  envelope,
		Priority: job.Priority,
		Delay:    req.Options.Delay,
	})
	if err != nil {
		s.compensate(ctx, job, target.Owner)
		return model.JobHandle{}, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	key := model.FormatCorrelationKey(target.Queue, itemID)
	if err := s.jobs.SetCorrelationKey(ctx, job.ID, key); err != nil && s.logger != nil {
		// The job runs without it; only stuck healing loses its broker pointer.
		s.logger.WarnContext(ctx, "failed to write correlation key",
			"job_id", job.ID,
			"correlation_key", key,
			"error", err,
		)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job admitted",
			"job_id", job.ID,
			"job_type", req.Type,
			"queue", target.Queue,
			"priority", job.Priority,
			"delay", req.Options.Delay,
		)
	}
	return model.NewJobHandle(job.ID), nil
}

// compensate unwinds a created row whose broker dispatch failed.
func (s *AdmissionService) compensate(ctx context.Context, job *model.Job, owner string) {
	if _, err := s.jobs.Delete(ctx, job.ID); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "compensating delete failed, row will be reclaimed as stuck",
			"job_id", job.ID,
			"error", err,
		)
	}
	s.releaseClaimFor(ctx, job.Type, owner)
}

// ReleaseClaim drops the (owner, type) dedup claim. Called on terminal job
// transitions so the next admission for the pair is allowed through.
func (s *AdmissionService) ReleaseClaim(ctx context.Context, siteID *string, jobType model.JobType) {
	if jobType.DedupExempt() {
		return
	}
	s.releaseClaim(ctx, model.OwnerKey(siteID), jobType)
}

func (s *AdmissionService) releaseClaimFor(ctx context.Context, jobType model.JobType, owner string) {
	if jobType.DedupExempt() {
		return
	}
	s.releaseClaim(ctx, owner, jobType)
}

func (s *AdmissionService) releaseClaim(ctx context.Context, owner string, jobType model.JobType) {
	if err := s.cache.Delete(ctx, dedupClaimKey(owner, jobType)); err != nil && s.logger != nil {
		// The claim TTL bounds the damage; log and move on.
		s.logger.WarnContext(ctx, "failed to release dedup claim",
			"owner", owner,
			"job_type", jobType,
			"error", err,
		)
	}
}

func (s *AdmissionService) budgetFor(queue model.Queue) int64 {
	switch queue {
	case model.QueueContent:
		return s.config.ContentDailyBudget
	case model.QueueSocial:
		return s.config.SocialDailyBudget
	default:
		return 0
	}
}

func (s *AdmissionService) logCheckFailed(
	ctx context.Context,
	check string,
	jobType model.JobType,
	err error,
) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "admission check unavailable, failing open",
			"check", check,
			"job_type", jobType,
			"error", err,
		)
	}
	if s.metrics != nil {
		s.metrics.Count("admission.check_failed", 1, map[string]string{
			"check":    check,
			"job_type": string(jobType),
		})
	}
}

func (s *AdmissionService) emitAdmitResult(jobType model.JobType, outcome string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	tags := map[string]string{
		"job_type": string(jobType),
		"outcome":  outcome,
	}
	s.metrics.Count("admission.result", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("admission.duration", elapsed, metrics.CloneTags(tags))
	}
}

// dedupClaimKey builds the cache key guarding one (owner, type) pair.
func dedupClaimKey(owner string, jobType model.JobType) string {
	return "dedup:" + owner + ":" + string(jobType)
}

// budgetCounterKey builds the daily budget counter key. Counters are per
// (queue, type): the ceiling applies to each job type on a budgeted queue,
// not to the queue as a whole.
func budgetCounterKey(queue model.Queue, jobType model.JobType, day string) string {
	return "budget:" + string(queue) + ":" + string(jobType) + ":" + day
}
