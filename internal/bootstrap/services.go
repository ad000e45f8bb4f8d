package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/broker"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/observability/notify"
	"github.com/pagecraft/orchestrator/internal/observability/notify/webhook"
	"github.com/pagecraft/orchestrator/internal/observability/statsd"
	"github.com/pagecraft/orchestrator/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Admission     *service.AdmissionService
	Worker        *service.WorkerService
	Scheduler     *service.SchedulerService
	Detector      *service.StuckDetectorService
	ErrorTracking *service.ErrorTrackingService

	// Broker and repositories exposed for operator tooling (admin CLI).
	Broker    core.Broker
	Jobs      *data.JobRepo
	ErrorLogs *data.ErrorLogRepo

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink is always non-nil; a disabled client swallows emissions.
	MetricsSink *statsd.Client
	// Notifier is nil when no alert webhook is configured.
	Notifier notify.Sink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger

	// Handlers are the job executors to register on the worker. Execution
	// logic lives with the callers embedding this engine; an empty map leaves
	// the worker routing every item through the retry policy.
	Handlers map[model.JobType]service.Handler
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	JobRepo      *data.JobRepo
	ErrorLogRepo *data.ErrorLogRepo
	CacheRepo    *data.RedisCacheRepo
	Counters     *data.MemStuckCounter
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	metricsSink, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.StatsdEnabled,
		Address: cfg.StatsdAddress,
		Prefix:  cfg.StatsdPrefix,
		Logger:  obsLogger,
	})
	if err != nil {
		obsLogger.Error("failed to initialise statsd client", "error", err)
		// Fall back to a disabled sink so callers never need nil checks.
		metricsSink, _ = statsd.NewClient(statsd.Config{Logger: obsLogger})
	}

	var notifier notify.Sink
	if cfg.AlertingEnabled() {
		client, whErr := webhook.NewClient(webhook.Config{
			URL:        cfg.AlertWebhookURL,
			Timeout:    cfg.AlertWebhookTimeout,
			RetryLimit: cfg.AlertWebhookRetries,
		})
		if whErr != nil {
			obsLogger.Error("failed to initialise alert webhook", "error", whErr)
		} else {
			notifier = client
		}
	}

	return ObservabilityContainer{
		MetricsSink: metricsSink,
		Notifier:    notifier,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	return &serviceRepositories{
		JobRepo:      data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		ErrorLogRepo: data.NewErrorLogRepo(db, data.RepoConfig{Logger: logger}),
		CacheRepo:    data.NewRedisCacheRepo(redisClient),
		Counters:     data.NewMemStuckCounter(),
	}
}

// NewServices wires repositories, broker, and observability into the service
// container.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	if deps.Config == nil {
		return ServiceContainer{}, errors.New("config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, deps.Config.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, logger)

	workBroker, err := broker.New(broker.Options{
		Client: deps.RedisClient,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build broker: %w", err)
	}

	admission, err := service.NewAdmissionService(service.AdmissionServiceOptions{
		Jobs:    repos.JobRepo,
		Broker:  workBroker,
		Cache:   repos.CacheRepo,
		Config:  deps.Config.Admission,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build admission service: %w", err)
	}

	errorTracking, err := service.NewErrorTrackingService(service.ErrorTrackingServiceOptions{
		ErrorLogs: repos.ErrorLogRepo,
		Jobs:      repos.JobRepo,
		Config:    deps.Config.ErrorTracking,
		Logger:    logger,
		Metrics:   observability.MetricsSink,
		Notifier:  observability.Notifier,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build error tracking service: %w", err)
	}

	worker, err := service.NewWorkerService(service.WorkerServiceOptions{
		Jobs:     repos.JobRepo,
		Broker:   workBroker,
		Config:   deps.Config.Worker,
		Recorder: errorTracking,
		Claims:   admission,
		Logger:   logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build worker service: %w", err)
	}
	for jobType, handler := range deps.Handlers {
		if regErr := worker.Register(jobType, handler); regErr != nil {
			return ServiceContainer{}, fmt.Errorf("register handler for %s: %w", jobType, regErr)
		}
	}

	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Broker:   workBroker,
		Admitter: admission,
		Config:   deps.Config.Scheduler,
		Logger:   logger,
		Metrics:  observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build scheduler service: %w", err)
	}

	detector, err := service.NewStuckDetectorService(service.StuckDetectorServiceOptions{
		Jobs:      repos.JobRepo,
		Broker:    workBroker,
		ErrorLogs: repos.ErrorLogRepo,
		Counters:  repos.Counters,
		Claims:    admission,
		Config:    deps.Config.Detector,
		Logger:    logger,
		Metrics:   observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build stuck detector service: %w", err)
	}

	return ServiceContainer{
		Admission:     admission,
		Worker:        worker,
		Scheduler:     scheduler,
		Detector:      detector,
		ErrorTracking: errorTracking,
		Broker:        workBroker,
		Jobs:          repos.JobRepo,
		ErrorLogs:     repos.ErrorLogRepo,
		Observability: observability,
	}, nil
}

// RunConfig contains configuration for running the enabled services.
type RunConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunServices starts every enabled service loop and blocks until a shutdown
// signal arrives or one of them fails. Service loops return nil on context
// cancellation, so a signal drains into a clean stop.
func RunServices(ctx context.Context, cfg RunConfig) error {
	if cfg.Config == nil {
		return errors.New("run config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	if len(enabled) == 0 {
		return errors.New("no services enabled")
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(signalCtx)

	if enabled[config.ServiceModeWorker] {
		if cfg.Services.Worker.RegisteredTypes() == 0 {
			logger.Warn("worker enabled with no registered handlers; all items will route through the retry policy")
		}
		g.Go(func() error { return cfg.Services.Worker.Run(groupCtx) })
	}
	if enabled[config.ServiceModeScheduler] {
		g.Go(func() error { return cfg.Services.Scheduler.Run(groupCtx) })
	}
	if enabled[config.ServiceModeStuckDetector] {
		g.Go(func() error { return cfg.Services.Detector.Run(groupCtx) })
	}
	if enabled[config.ServiceModeErrorPatterns] {
		g.Go(func() error { return cfg.Services.ErrorTracking.Run(groupCtx) })
	}

	logger.InfoContext(signalCtx, "services running", "services", GetEnabledServices(cfg.Config))

	if waitErr := g.Wait(); waitErr != nil {
		return fmt.Errorf("service runtime: %w", waitErr)
	}

	logger.Info("services stopped")
	return nil
}
