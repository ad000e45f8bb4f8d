package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data"
	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// recordingAdmitter captures admission requests.
type recordingAdmitter struct {
	mu       sync.Mutex
	requests []core.AdmitRequest
	handle   model.JobHandle
	err      error
}

func (a *recordingAdmitter) Admit(ctx context.Context, req core.AdmitRequest) (model.JobHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return model.JobHandle{}, a.err
	}
	a.requests = append(a.requests, req)
	if a.handle.Kind == "" {
		return model.NewJobHandle("job-1"), nil
	}
	return a.handle, nil
}

func newSchedulerService(
	t *testing.T,
	broker *mockBroker,
	admitter core.Admitter,
	tp data.TimeProvider,
) *SchedulerService {
	t.Helper()
	svc, err := NewSchedulerService(SchedulerServiceOptions{
		Broker:       broker,
		Admitter:     admitter,
		Config:       config.SchedulerConfig{Interval: time.Minute},
		TimeProvider: tp,
	})
	require.NoError(t, err)
	return svc
}

func TestNewSchedulerService(t *testing.T) {
	t.Run("returns error when broker is nil", func(t *testing.T) {
		_, err := NewSchedulerService(SchedulerServiceOptions{Admitter: &recordingAdmitter{}})
		require.Error(t, err)
	})

	t.Run("returns error when admitter is nil", func(t *testing.T) {
		_, err := NewSchedulerService(SchedulerServiceOptions{Broker: newMockBroker()})
		require.Error(t, err)
	})
}

func TestSchedulerService_RegisterRecurring(t *testing.T) {
	broker := newMockBroker()
	svc := newSchedulerService(t, broker, &recordingAdmitter{}, nil)
	ctx := context.Background()

	t.Run("registers valid schedule", func(t *testing.T) {
		spec, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{Scope: "active"},
			Cron:    "0 3 * * *",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, spec.ID)
		assert.Len(t, broker.repeatables, 1)
	})

	t.Run("re-registration is idempotent", func(t *testing.T) {
		spec, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{Scope: "active"},
			Cron:    "0 3 * * *",
		})
		require.NoError(t, err)
		assert.Len(t, broker.repeatables, 1)
		assert.NotEmpty(t, spec.ID)
	})

	t.Run("different cron is a distinct registration", func(t *testing.T) {
		_, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{Scope: "active"},
			Cron:    "30 3 * * *",
		})
		require.NoError(t, err)
		assert.Len(t, broker.repeatables, 2)
	})

	t.Run("rejects invalid cron pattern", func(t *testing.T) {
		_, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{},
			Cron:    "not-a-cron",
		})
		require.Error(t, err)
	})

	t.Run("rejects payload type mismatch", func(t *testing.T) {
		_, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SEOAuditPayload{SiteID: "site-1"},
			Cron:    "0 3 * * *",
		})
		require.Error(t, err)
	})
}

func TestSchedulerService_Tick(t *testing.T) {
	t.Run("fires due occurrence exactly once across ticks", func(t *testing.T) {
		broker := newMockBroker()
		admitter := &recordingAdmitter{}
		// 03:00 daily; the clock sits just past 03:00 so the occurrence falls
		// inside the one-minute tick window.
		tp := data.NewFixedTimeProvider(time.Date(2026, 8, 23, 3, 0, 30, 0, time.UTC))
		svc := newSchedulerService(t, broker, admitter, tp)

		_, err := svc.RegisterRecurring(context.Background(), RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{Scope: "active"},
			Cron:    "0 3 * * *",
		})
		require.NoError(t, err)

		fired, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
		require.Len(t, admitter.requests, 1)
		assert.Equal(t, model.JobTypeSiteScan, admitter.requests[0].Type)

		// Same occurrence is claimed; a second tick does not re-fire.
		fired, err = svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, fired)
		assert.Len(t, admitter.requests, 1)
	})

	t.Run("does not fire outside the window", func(t *testing.T) {
		broker := newMockBroker()
		admitter := &recordingAdmitter{}
		tp := data.NewFixedTimeProvider(time.Date(2026, 8, 23, 12, 30, 0, 0, time.UTC))
		svc := newSchedulerService(t, broker, admitter, tp)

		_, err := svc.RegisterRecurring(context.Background(), RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{},
			Cron:    "0 3 * * *",
		})
		require.NoError(t, err)

		fired, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, fired)
		assert.Empty(t, admitter.requests)
	})

	t.Run("dedup outcome from admission still counts as fired", func(t *testing.T) {
		broker := newMockBroker()
		admitter := &recordingAdmitter{handle: model.NewDedupHandle("global", model.JobTypeSiteScan)}
		tp := data.NewFixedTimeProvider(time.Date(2026, 8, 23, 3, 0, 30, 0, time.UTC))
		svc := newSchedulerService(t, broker, admitter, tp)

		_, err := svc.RegisterRecurring(context.Background(), RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{},
			Cron:    "0 3 * * *",
		})
		require.NoError(t, err)

		fired, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
	})
}

func TestSchedulerService_Inventory(t *testing.T) {
	broker := newMockBroker()
	tp := data.NewFixedTimeProvider(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	svc := newSchedulerService(t, broker, &recordingAdmitter{}, tp)
	ctx := context.Background()

	_, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
		Type:    model.JobTypeSiteScan,
		Payload: model.SiteScanPayload{},
		Cron:    "0 3 * * *",
	})
	require.NoError(t, err)

	infos, err := svc.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), infos[0].NextRun)
}

func TestSchedulerService_NextRun(t *testing.T) {
	tp := data.NewFixedTimeProvider(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	svc := newSchedulerService(t, newMockBroker(), &recordingAdmitter{}, tp)

	t.Run("computes next occurrence", func(t *testing.T) {
		next, err := svc.NextRun("*/15 * * * *")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 23, 12, 15, 0, 0, time.UTC), next)
	})

	t.Run("rejects malformed pattern", func(t *testing.T) {
		_, err := svc.NextRun("61 * * * *")
		require.Error(t, err)
	})
}

func TestSchedulerService_UnregisterAll(t *testing.T) {
	broker := newMockBroker()
	svc := newSchedulerService(t, broker, &recordingAdmitter{}, nil)
	ctx := context.Background()

	for _, cronPattern := range []string{"0 3 * * *", "0 4 * * *"} {
		_, err := svc.RegisterRecurring(ctx, RegisterRecurringParams{
			Type:    model.JobTypeSiteScan,
			Payload: model.SiteScanPayload{},
			Cron:    cronPattern,
		})
		require.NoError(t, err)
	}

	count, err := svc.UnregisterAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	infos, err := svc.Inventory(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
