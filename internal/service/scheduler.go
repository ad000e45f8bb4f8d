package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/observability/metrics"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
)

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Broker       core.Broker            // Required: durable repeatable registry + fire claims
	Admitter     core.Admitter          // Required: admission entry point
	Config       config.SchedulerConfig // Required: scheduler tuning
	Logger       *slog.Logger           // Optional: structured logger
	Metrics      statsd.Sink            // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider      // Optional: time provider (defaults to real time)
}

// SchedulerService drives recurring admissions. Registrations live in the
// broker, not in process memory, so schedules survive restarts; each cron
// occurrence is claimed cluster-wide before firing, so multiple scheduler
// processes never double-admit the same occurrence.
type SchedulerService struct {
	broker       core.Broker
	admitter     core.Admitter
	config       config.SchedulerConfig
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Broker == nil {
		return nil, errors.New("Broker is required")
	}
	if opts.Admitter == nil {
		return nil, errors.New("Admitter is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scheduler_service")
	}

	return &SchedulerService{
		broker:       opts.Broker,
		admitter:     opts.Admitter,
		config:       opts.Config,
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: opts.TimeProvider,
	}, nil
}

// RegisterRecurringParams groups the inputs for one recurring registration.
type RegisterRecurringParams struct {
	Type    model.JobType
	Payload model.Payload
	Cron    string
}

// RegisterRecurring validates and durably registers a recurring admission.
// Registration is idempotent: the spec id derives from (type, cron, payload),
// so re-registering the same schedule on every boot is safe.
func (s *SchedulerService) RegisterRecurring(
	ctx context.Context,
	params RegisterRecurringParams,
) (core.RepeatableSpec, error) {
	if !params.Type.Valid() {
		return core.RepeatableSpec{}, fmt.Errorf("unknown job type: %q", params.Type)
	}
	if params.Payload == nil {
		return core.RepeatableSpec{}, fmt.Errorf("payload is required for job type %s", params.Type)
	}
	if params.Payload.JobType() != params.Type {
		return core.RepeatableSpec{}, fmt.Errorf(
			"payload type mismatch: payload is for %s, registration is for %s",
			params.Payload.JobType(), params.Type,
		)
	}
	if err := params.Payload.Validate(); err != nil {
		return core.RepeatableSpec{}, fmt.Errorf("invalid %s payload: %w", params.Type, err)
	}
	if _, err := cron.ParseStandard(params.Cron); err != nil {
		return core.RepeatableSpec{}, fmt.Errorf("invalid cron pattern %q: %w", params.Cron, err)
	}

	raw, err := model.EncodePayload(params.Payload)
	if err != nil {
		return core.RepeatableSpec{}, err
	}

	spec := core.RepeatableSpec{
		ID:        repeatableID(params.Type, params.Cron, raw),
		Type:      params.Type,
		Payload:   raw,
		Cron:      params.Cron,
		CreatedAt: s.timeProvider.Now(),
	}
	if err := s.broker.RegisterRepeatable(ctx, spec); err != nil {
		return core.RepeatableSpec{}, fmt.Errorf("register repeatable %s: %w", spec.ID, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "recurring admission registered",
			"spec_id", spec.ID,
			"job_type", spec.Type,
			"cron", spec.Cron,
		)
	}
	return spec, nil
}

// repeatableID derives a stable id from the registration's identity fields.
func repeatableID(jobType model.JobType, cronPattern string, payload []byte) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(cronPattern))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return fmt.Sprintf("%s-%x", jobType, h.Sum64())
}

// Tick evaluates every registered schedule once and fires those due since the
// previous tick. Returns the number of occurrences this process fired.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	specs, err := s.broker.Repeatables(ctx)
	if err != nil {
		return 0, fmt.Errorf("load repeatables: %w", err)
	}

	now := s.timeProvider.Now()
	fired := 0
	for _, spec := range specs {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		ok, fireErr := s.fireIfDue(ctx, spec, now)
		if fireErr != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "failed to fire schedule",
					"spec_id", spec.ID,
					"job_type", spec.Type,
					"error", fireErr,
				)
			}
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fireIfDue fires the occurrence of spec that fell inside the last tick
// interval, if any, and only when this process wins the cluster-wide claim.
func (s *SchedulerService) fireIfDue(
	ctx context.Context,
	spec core.RepeatableSpec,
	now time.Time,
) (bool, error) {
	sched, err := cron.ParseStandard(spec.Cron)
	if err != nil {
		return false, fmt.Errorf("stored cron pattern %q is invalid: %w", spec.Cron, err)
	}

	occurrence := sched.Next(now.Add(-s.config.Interval))
	if occurrence.After(now) {
		return false, nil
	}

	won, err := s.broker.ClaimFire(ctx, spec, occurrence)
	if err != nil {
		return false, fmt.Errorf("claim occurrence: %w", err)
	}
	if !won {
		// Another scheduler process fired this occurrence.
		return false, nil
	}

	payload, err := model.DecodePayload(spec.Type, spec.Payload)
	if err != nil {
		return false, fmt.Errorf("decode stored payload: %w", err)
	}

	handle, err := s.admitter.Admit(ctx, core.AdmitRequest{
		Type:    spec.Type,
		Payload: payload,
	})
	if err != nil {
		return false, fmt.Errorf("admit scheduled job: %w", err)
	}

	s.emitFireMetric(spec, handle)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "scheduled occurrence fired",
			"spec_id", spec.ID,
			"job_type", spec.Type,
			"occurrence", occurrence,
			"outcome", handle.Kind,
			"job_id", handle.JobID,
		)
	}
	return true, nil
}

func (s *SchedulerService) emitFireMetric(spec core.RepeatableSpec, handle model.JobHandle) {
	if s.metrics == nil {
		return
	}
	result := metrics.ResultSuccess
	if !handle.IsJob() {
		result = metrics.ResultNoop
	}
	s.metrics.Count("scheduler.fired", 1, map[string]string{
		"job_type": string(spec.Type),
		"outcome":  string(handle.Kind),
		"result":   result,
	})
}

// ScheduleInfo pairs a registration with its next computed occurrence, for
// operator inventory only; dispatch never uses it.
type ScheduleInfo struct {
	Spec    core.RepeatableSpec `json:"spec"`
	NextRun time.Time           `json:"next_run"`
}

// Inventory lists every registered schedule with its next run time.
func (s *SchedulerService) Inventory(ctx context.Context) ([]ScheduleInfo, error) {
	specs, err := s.broker.Repeatables(ctx)
	if err != nil {
		return nil, fmt.Errorf("load repeatables: %w", err)
	}

	now := s.timeProvider.Now()
	infos := make([]ScheduleInfo, 0, len(specs))
	for _, spec := range specs {
		info := ScheduleInfo{Spec: spec}
		if sched, parseErr := cron.ParseStandard(spec.Cron); parseErr == nil {
			info.NextRun = sched.Next(now)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// NextRun computes the next occurrence of a cron pattern after now.
// Diagnostic helper for operator tooling.
func (s *SchedulerService) NextRun(cronPattern string) (time.Time, error) {
	sched, err := cron.ParseStandard(cronPattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron pattern %q: %w", cronPattern, err)
	}
	return sched.Next(s.timeProvider.Now()), nil
}

// UnregisterAll removes every repeatable registration. Used during redeploy
// or reconfiguration before re-registering the desired set.
func (s *SchedulerService) UnregisterAll(ctx context.Context) (int, error) {
	count, err := s.broker.UnregisterAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("unregister repeatables: %w", err)
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "unregistered all recurring admissions", "count", count)
	}
	return count, nil
}

// Run starts the tick loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SchedulerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting scheduler service", "interval", s.config.Interval)
	}

	waitWithJitter(ctx, s.config.Interval, s.logger)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "scheduler service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !isContextCancellation(err) {
				if s.logger != nil {
					s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
				}
			}
		}
	}
}
