package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/domain/retry"
	apperrors "github.com/pagecraft/orchestrator/internal/errors"
	"github.com/pagecraft/orchestrator/internal/observability/metrics"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
)

// Handler executes one job. A nil return is success; any error is classified
// and handed to the retry policy. Handlers must be idempotent: the broker is
// at-least-once and a crashed worker's lease redelivers the item.
type Handler func(ctx context.Context, job *model.Job, payload model.Payload) error

// FailureRecorder is the slice of error tracking the worker needs.
type FailureRecorder interface {
	Record(ctx context.Context, params RecordParams) *model.ErrorLogEntry
}

// ClaimReleaser drops the admission dedup claim when a job reaches a terminal
// state. Satisfied by AdmissionService.
type ClaimReleaser interface {
	ReleaseClaim(ctx context.Context, siteID *string, jobType model.JobType)
}

// WorkerServiceOptions groups dependencies for WorkerService.
type WorkerServiceOptions struct {
	Jobs         core.JobRepository  // Required: durable job store
	Broker       core.Broker         // Required: dispatch broker
	Config       config.WorkerConfig // Required: worker tuning
	Recorder     FailureRecorder     // Optional: failure persistence
	Claims       ClaimReleaser       // Optional: dedup claim release on terminal states
	Policy       *retry.Policy       // Optional: retry policy (defaults to standard)
	Queues       []model.Queue       // Optional: queues to consume (defaults to all but planned)
	Logger       *slog.Logger        // Optional: structured logger
	Metrics      statsd.Sink         // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider   // Optional: time provider (defaults to real time)
}

// WorkerService pulls leased items from the broker, drives the job lifecycle
// on the store, and routes failures through the retry policy: requeue with
// backoff while budget remains, dead-letter otherwise.
type WorkerService struct {
	jobs         core.JobRepository
	broker       core.Broker
	config       config.WorkerConfig
	recorder     FailureRecorder
	claims       ClaimReleaser
	policy       *retry.Policy
	queues       []model.Queue
	handlers     map[model.JobType]Handler
	logger       *slog.Logger
	metrics      statsd.Sink
	timeProvider data.TimeProvider
}

// NewWorkerService constructs a new WorkerService.
func NewWorkerService(opts WorkerServiceOptions) (*WorkerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("Broker is required")
	}
	if opts.Policy == nil {
		opts.Policy = retry.New()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if len(opts.Queues) == 0 {
		for _, q := range model.AllQueues() {
			// Planned holds parked placeholders; nothing executes them.
			if q != model.QueuePlanned {
				opts.Queues = append(opts.Queues, q)
			}
		}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "worker_service")
	}

	return &WorkerService{
		jobs:         opts.Jobs,
		broker:       opts.Broker,
		config:       opts.Config,
		recorder:     opts.Recorder,
		claims:       opts.Claims,
		policy:       opts.Policy,
		queues:       opts.Queues,
		handlers:     make(map[model.JobType]Handler),
		logger:       logger,
		metrics:      opts.Metrics,
		timeProvider: opts.TimeProvider,
	}, nil
}

// Register binds a handler to a job type. Not safe to call after Run starts.
func (s *WorkerService) Register(jobType model.JobType, handler Handler) error {
	if !jobType.Valid() {
		return fmt.Errorf("unknown job type: %q", jobType)
	}
	if handler == nil {
		return fmt.Errorf("handler is required for job type %s", jobType)
	}
	if _, exists := s.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %s", jobType)
	}
	s.handlers[jobType] = handler
	return nil
}

// RegisteredTypes reports how many job types have a handler bound.
func (s *WorkerService) RegisteredTypes() int {
	return len(s.handlers)
}

// Run starts Concurrency consumer goroutines per queue and blocks until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *WorkerService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting worker service",
			"queues", len(s.queues),
			"concurrency", s.config.Concurrency,
			"handlers", len(s.handlers),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range s.queues {
		for range s.config.Concurrency {
			g.Go(func() error {
				return s.consume(ctx, queue)
			})
		}
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume is one consumer loop for one queue.
func (s *WorkerService) consume(ctx context.Context, queue model.Queue) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		item, err := s.broker.Dequeue(ctx, queue)
		if err != nil {
			if isContextCancellation(err) {
				return err
			}
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "dequeue failed", "queue", queue, "error", err)
			}
			s.idle(ctx)
			continue
		}
		if item == nil {
			s.idle(ctx)
			continue
		}

		s.processItem(ctx, item)
	}
}

// idle sleeps the poll interval or until cancellation.
func (s *WorkerService) idle(ctx context.Context) {
	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processItem drives one leased item through the job lifecycle.
func (s *WorkerService) processItem(ctx context.Context, item *core.BrokerItem) {
	env, err := core.DecodeEnvelope(item.Payload)
	if err != nil {
		// Poison message: nothing to retry, nothing to mark.
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "dropping undecodable broker item",
				"queue", item.Queue,
				"item_id", item.ID,
				"error", err,
			)
		}
		s.ack(ctx, item)
		return
	}

	job, err := s.jobs.MarkRunning(ctx, env.JobID)
	if errors.Is(err, model.ErrJobNotFound) {
		// Row healed away or already terminal; the item is stale. Ack it so
		// the lease does not redeliver it forever.
		s.ack(ctx, item)
		return
	}
	if err != nil {
		// Store trouble: leave the lease to expire and redeliver.
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to mark job running",
				"job_id", env.JobID,
				"error", err,
			)
		}
		return
	}

	start := s.timeProvider.Now()
	execErr := s.execute(ctx, job, env)
	elapsed := s.timeProvider.Now().Sub(start)

	if execErr == nil {
		s.succeed(ctx, job, item, elapsed)
		return
	}
	s.handleFailure(ctx, failure{Job: job, Item: item, Err: execErr, Elapsed: elapsed})
}

// execute decodes the payload and runs the registered handler under the
// queue's visibility timeout. Handler panics become errors; a worker never
// crashes on a bad job.
func (s *WorkerService) execute(ctx context.Context, job *model.Job, env core.TaskEnvelope) (err error) {
	handler, ok := s.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %s", job.Type)
	}

	payload, err := model.DecodePayload(job.Type, env.Payload)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithTimeout(ctx, job.Queue.Config().Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(execCtx, job, payload)
}

func (s *WorkerService) succeed(ctx context.Context, job *model.Job, item *core.BrokerItem, elapsed time.Duration) {
	if _, err := s.jobs.Complete(ctx, job.ID); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to mark job completed",
				"job_id", job.ID,
				"error", err,
			)
		}
		// Leave the lease; redelivery will find the row and ack as stale or
		// re-run the idempotent handler.
		return
	}
	s.ack(ctx, item)
	if s.claims != nil {
		s.claims.ReleaseClaim(ctx, job.SiteID, job.Type)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(job.Type),
		Queue:      string(job.Queue),
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Duration:   elapsed,
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", job.Attempts,
			"elapsed", elapsed,
		)
	}
}

// failure groups one failed execution for routing.
type failure struct {
	Job     *model.Job
	Item    *core.BrokerItem
	Err     error
	Elapsed time.Duration
}

// handleFailure routes a failed execution: dead-letter when the policy says
// retrying is pointless or the budget is spent, otherwise requeue with the
// computed backoff.
func (s *WorkerService) handleFailure(ctx context.Context, f failure) {
	job := f.Job
	dead := retry.ShouldDeadLetter(f.Err, job.Attempts, job.MaxAttempts)

	if s.recorder != nil {
		params := RecordParams{
			JobID:   job.ID,
			JobType: job.Type,
			SiteID:  job.SiteID,
			Attempt: job.Attempts,
			Err:     f.Err,
			Context: map[string]string{"queue": string(job.Queue)},
		}
		if dead {
			params.Severity = deadLetterSeverity(f.Err)
		}
		s.recorder.Record(ctx, params)
	}

	if dead {
		s.deadLetter(ctx, f)
		return
	}

	delay := s.policy.Delay(f.Err, job.Attempts)
	if _, err := s.jobs.MarkRetrying(ctx, core.MarkRetryingParams{
		ID:      job.ID,
		ErrMsg:  f.Err.Error(),
		NextRun: s.timeProvider.Now().Add(delay),
	}); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to mark job retrying",
				"job_id", job.ID,
				"error", err,
			)
		}
		return
	}
	if err := s.broker.Release(ctx, core.ReleaseParams{
		Queue:  job.Queue,
		ItemID: f.Item.ID,
		Delay:  delay,
	}); err != nil && s.logger != nil {
		// The lease will expire and redeliver without the backoff.
		s.logger.WarnContext(ctx, "failed to release item for retry",
			"job_id", job.ID,
			"item_id", f.Item.ID,
			"error", err,
		)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(job.Type),
		Queue:      string(job.Queue),
		Transition: "retry",
		Result:     metrics.ResultError,
		Duration:   f.Elapsed,
		Err:        f.Err,
	})
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed, retrying",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"delay", delay,
			"error", f.Err,
		)
	}
}

// deadLetterSeverity escalates the recorded entry: a dead-lettered job is an
// operator problem even when the underlying failure classified as benign.
func deadLetterSeverity(err error) string {
	if apperrors.Classify(err).Severity == apperrors.SeverityCritical {
		return string(apperrors.SeverityCritical)
	}
	return severityHigh
}

func (s *WorkerService) deadLetter(ctx context.Context, f failure) {
	job := f.Job

	if _, err := s.jobs.Fail(ctx, job.ID, f.Err.Error()); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to dead-letter job",
				"job_id", job.ID,
				"error", err,
			)
		}
		return
	}
	s.ack(ctx, f.Item)
	if s.claims != nil {
		s.claims.ReleaseClaim(ctx, job.SiteID, job.Type)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(job.Type),
		Queue:      string(job.Queue),
		Transition: "dead_letter",
		Result:     metrics.ResultError,
		Duration:   f.Elapsed,
		Err:        f.Err,
	})
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "job dead-lettered",
			"job_id", job.ID,
			"job_type", job.Type,
			"attempts", job.Attempts,
			"error", f.Err,
		)
	}
}

func (s *WorkerService) ack(ctx context.Context, item *core.BrokerItem) {
	if err := s.broker.Ack(ctx, item.Queue, item.ID); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "ack failed, lease will expire",
			"queue", item.Queue,
			"item_id", item.ID,
			"error", err,
		)
	}
}
