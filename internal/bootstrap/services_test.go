package bootstrap

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	"github.com/pagecraft/orchestrator/internal/service"
)

// testDeps builds deps against an unconnected redis client; go-redis only
// dials on first use, so construction-level wiring is testable offline.
func testDeps() *ServiceDeps {
	cfg := &config.AppConfig{Services: "worker,scheduler,stuck-detector,error-patterns"}
	cfg.Sanitize()
	return &ServiceDeps{
		Config:      cfg,
		RedisClient: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
	}
}

func TestNewServices(t *testing.T) {
	t.Run("returns error when deps are nil", func(t *testing.T) {
		_, err := NewServices(nil)
		require.Error(t, err)
	})

	t.Run("returns error when config is nil", func(t *testing.T) {
		_, err := NewServices(&ServiceDeps{})
		require.Error(t, err)
	})

	t.Run("wires the full container", func(t *testing.T) {
		container, err := NewServices(testDeps())
		require.NoError(t, err)

		assert.NotNil(t, container.Admission)
		assert.NotNil(t, container.Worker)
		assert.NotNil(t, container.Scheduler)
		assert.NotNil(t, container.Detector)
		assert.NotNil(t, container.ErrorTracking)
		assert.NotNil(t, container.Jobs)
		assert.NotNil(t, container.ErrorLogs)
		assert.NotNil(t, container.Observability.MetricsSink)
		assert.Nil(t, container.Observability.Notifier)
	})

	t.Run("registers provided handlers", func(t *testing.T) {
		deps := testDeps()
		deps.Handlers = map[model.JobType]service.Handler{
			model.JobTypeSEOAudit: func(ctx context.Context, j *model.Job, p model.Payload) error {
				return nil
			},
		}

		container, err := NewServices(deps)
		require.NoError(t, err)
		assert.Equal(t, 1, container.Worker.RegisteredTypes())
	})

	t.Run("rejects handlers for unknown job types", func(t *testing.T) {
		deps := testDeps()
		deps.Handlers = map[model.JobType]service.Handler{
			model.JobType("bogus"): func(ctx context.Context, j *model.Job, p model.Payload) error {
				return nil
			},
		}

		_, err := NewServices(deps)
		require.Error(t, err)
	})

	t.Run("builds webhook notifier when alerting configured", func(t *testing.T) {
		deps := testDeps()
		deps.Config.Observability.AlertWebhookURL = "https://alerts.example.com/hook"

		container, err := NewServices(deps)
		require.NoError(t, err)
		assert.NotNil(t, container.Observability.Notifier)
	})
}

func TestValidateServiceConfig(t *testing.T) {
	t.Run("returns error for nil config", func(t *testing.T) {
		require.Error(t, ValidateServiceConfig(nil))
	})

	t.Run("returns error for invalid service list", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "worker,banana"}
		require.Error(t, ValidateServiceConfig(cfg))
	})

	t.Run("accepts a valid service list", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "worker,scheduler"}
		require.NoError(t, ValidateServiceConfig(cfg))
	})
}

func TestGetEnabledServices(t *testing.T) {
	t.Run("nil config yields empty list", func(t *testing.T) {
		assert.Empty(t, GetEnabledServices(nil))
	})

	t.Run("returns names in declaration order", func(t *testing.T) {
		cfg := &config.AppConfig{Services: "error-patterns,worker"}
		assert.Equal(t, []string{"worker", "error-patterns"}, GetEnabledServices(cfg))
	})
}
