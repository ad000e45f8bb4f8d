// Package config composes the env-driven application configuration from
// domain-specific files.
package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config files for
// details on available environment variables:
//   - database.go: Postgres and Redis configuration
//   - services.go: Service modes and per-service tuning
//   - observability.go: Metrics and alerting configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, .env loading).
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Services is a comma-delimited list of enabled services.
	// Valid values: worker, scheduler, stuck-detector, error-patterns
	Services string `env:"SERVICES" envDefault:"worker"`

	// Per-service configuration
	Admission     AdmissionConfig
	Worker        WorkerConfig
	Scheduler     SchedulerConfig
	Detector      DetectorConfig
	ErrorTracking ErrorTrackingConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// Call after env parsing, before wiring services.
func (c *AppConfig) Sanitize() {
	c.Admission.Sanitize()
	c.Worker.Sanitize()
	c.Scheduler.Sanitize()
	c.Detector.Sanitize()
	c.ErrorTracking.Sanitize()
	c.Observability.Sanitize()
	c.detectDevMode()
}

// detectDevMode honors APP_ENV as a fallback for DEV.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkerEnabled returns true if the queue worker service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorker]
}

// IsSchedulerEnabled returns true if the recurring scheduler is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsStuckDetectorEnabled returns true if the stuck-task detector is enabled.
func (c *AppConfig) IsStuckDetectorEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeStuckDetector]
}

// IsErrorPatternsEnabled returns true if the error-pattern detection loop is enabled.
func (c *AppConfig) IsErrorPatternsEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeErrorPatterns]
}
