package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecraft/orchestrator/config"
	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	apperrors "github.com/pagecraft/orchestrator/internal/errors"
)

type workerFixture struct {
	svc      *WorkerService
	repo     *mockJobRepo
	broker   *mockBroker
	recorder *mockErrorLogRepo
	tracker  *ErrorTrackingService
	cache    *mockCache
	claims   *AdmissionService
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	repo := newMockJobRepo()
	broker := newMockBroker()
	recorder := newMockErrorLogRepo()
	cache := newMockCache()

	tracker, err := NewErrorTrackingService(ErrorTrackingServiceOptions{
		ErrorLogs: recorder,
		Jobs:      repo,
		Config:    errorTrackingConfigForTest(),
	})
	require.NoError(t, err)

	claims, err := NewAdmissionService(AdmissionServiceOptions{
		Jobs:   repo,
		Broker: broker,
		Cache:  cache,
		Config: admissionConfigForTest(),
	})
	require.NoError(t, err)

	svc, err := NewWorkerService(WorkerServiceOptions{
		Jobs:     repo,
		Broker:   broker,
		Config:   config.WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond},
		Recorder: tracker,
		Claims:   claims,
	})
	require.NoError(t, err)

	return &workerFixture{
		svc: svc, repo: repo, broker: broker,
		recorder: recorder, tracker: tracker, cache: cache, claims: claims,
	}
}

// seedJob creates a store row plus the matching broker item, as admission
// would, and returns both.
func (f *workerFixture) seedJob(t *testing.T, maxAttempts int) (*model.Job, *core.BrokerItem) {
	t.Helper()

	siteID := "site-1"
	payload, err := model.EncodePayload(model.SEOAuditPayload{SiteID: siteID})
	require.NoError(t, err)

	job, err := f.repo.Create(context.Background(), &model.CreateJobRequest{
		Type:        model.JobTypeSEOAudit,
		Queue:       model.QueueSEO,
		Status:      model.JobStatusPending,
		Priority:    model.DefaultPriority,
		Payload:     payload,
		SiteID:      &siteID,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)

	envelope, err := core.EncodeEnvelope(core.TaskEnvelope{
		JobID:   job.ID,
		Type:    job.Type,
		Payload: payload,
	})
	require.NoError(t, err)

	return job, &core.BrokerItem{
		ID:      "item-1",
		Queue:   model.QueueSEO,
		Payload: envelope,
	}
}

func TestWorkerService_Register(t *testing.T) {
	f := newWorkerFixture(t)
	handler := func(ctx context.Context, job *model.Job, payload model.Payload) error { return nil }

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit, handler))

	t.Run("rejects unknown type", func(t *testing.T) {
		assert.Error(t, f.svc.Register(model.JobType("bogus"), handler))
	})
	t.Run("rejects nil handler", func(t *testing.T) {
		assert.Error(t, f.svc.Register(model.JobTypeSiteScan, nil))
	})
	t.Run("rejects duplicate registration", func(t *testing.T) {
		assert.Error(t, f.svc.Register(model.JobTypeSEOAudit, handler))
	})
}

func TestWorkerService_ProcessItem_Success(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 3)

	var gotPayload model.Payload
	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error {
			gotPayload = p
			return nil
		}))

	f.svc.processItem(context.Background(), item)

	// Handler saw the typed payload.
	audit, ok := gotPayload.(*model.SEOAuditPayload)
	require.True(t, ok)
	assert.Equal(t, "site-1", audit.SiteID)

	// Lifecycle: running happened (attempts bumped), then completed, acked.
	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, f.broker.ackedIDs, "item-1")

	// Terminal state released the dedup claim.
	assert.Contains(t, f.cache.deletedKeys, "dedup:site-1:seo_audit")
}

func TestWorkerService_ProcessItem_RetryableFailure(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 3)

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error {
			return errors.New("upstream timeout while crawling")
		}))

	f.svc.processItem(context.Background(), item)

	// Marked retrying with a future run time and released with backoff.
	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRetrying, stored.Status)
	require.Len(t, f.broker.releases, 1)
	assert.Positive(t, f.broker.releases[0].Delay)
	assert.Empty(t, f.broker.ackedIDs)

	// Failure recorded with network classification.
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, string(apperrors.CategoryNetwork), f.recorder.entries[0].Category)
	assert.Equal(t, 1, f.recorder.entries[0].AttemptNumber)
}

func TestWorkerService_ProcessItem_DeadLetterImmediate(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 3)

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error {
			return apperrors.Configuration("crawler api key not configured")
		}))

	f.svc.processItem(context.Background(), item)

	// Configuration failures never retry.
	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, f.broker.ackedIDs, "item-1")
	assert.Empty(t, f.broker.releases)

	// Dead-lettering releases the claim so a fixed config can re-admit.
	assert.Contains(t, f.cache.deletedKeys, "dedup:site-1:seo_audit")

	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, string(apperrors.SeverityCritical), f.recorder.entries[0].Severity)
}

func TestWorkerService_ProcessItem_DeadLetterAfterExhaustion(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 2)
	// One prior attempt; MarkRunning bumps to 2 == MaxAttempts.
	job.Attempts = 1

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error {
			return errors.New("upstream timeout while crawling")
		}))

	f.svc.processItem(context.Background(), item)

	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Contains(t, f.broker.ackedIDs, "item-1")

	// The transient failure classified RECOVERABLE, but spending the budget
	// escalates the recorded entry to operator attention.
	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, severityHigh, f.recorder.entries[0].Severity)
}

func TestWorkerService_ProcessItem_PanicBecomesFailure(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 3)

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error {
			panic("boom")
		}))

	// Must not panic out of processItem.
	f.svc.processItem(context.Background(), item)

	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRetrying, stored.Status)
}

func TestWorkerService_ProcessItem_StaleItem(t *testing.T) {
	t.Run("row healed away", func(t *testing.T) {
		f := newWorkerFixture(t)

		// Envelope references a job the detector already healed away; the
		// store answers ErrJobNotFound and the item must still be acked.
		envelope, err := core.EncodeEnvelope(core.TaskEnvelope{
			JobID: "gone",
			Type:  model.JobTypeSEOAudit,
		})
		require.NoError(t, err)

		called := false
		require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
			func(ctx context.Context, j *model.Job, p model.Payload) error {
				called = true
				return nil
			}))

		f.svc.processItem(context.Background(), &core.BrokerItem{
			ID: "item-1", Queue: model.QueueSEO, Payload: envelope,
		})

		assert.False(t, called)
		assert.Contains(t, f.broker.ackedIDs, "item-1")
	})

	t.Run("row already dead-lettered", func(t *testing.T) {
		f := newWorkerFixture(t)
		job, item := f.seedJob(t, 3)
		_, err := f.repo.Fail(context.Background(), job.ID, "dead-lettered earlier")
		require.NoError(t, err)

		require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
			func(ctx context.Context, j *model.Job, p model.Payload) error {
				t.Fatal("terminal job must not execute")
				return nil
			}))

		f.svc.processItem(context.Background(), item)

		assert.Contains(t, f.broker.ackedIDs, item.ID)
	})

	t.Run("store error keeps the lease", func(t *testing.T) {
		f := newWorkerFixture(t)
		_, item := f.seedJob(t, 3)
		f.repo.markRunningErr = errors.New("connection reset")

		f.svc.processItem(context.Background(), item)

		assert.Empty(t, f.broker.ackedIDs)
		assert.Empty(t, f.broker.releases)
	})
}

func TestWorkerService_ProcessItem_PoisonMessage(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.processItem(context.Background(), &core.BrokerItem{
		ID: "item-1", Queue: model.QueueSEO, Payload: []byte("not json"),
	})

	// Dropped, not redelivered forever.
	assert.Contains(t, f.broker.ackedIDs, "item-1")
}

func TestWorkerService_ProcessItem_NoHandler(t *testing.T) {
	f := newWorkerFixture(t)
	job, item := f.seedJob(t, 3)

	f.svc.processItem(context.Background(), item)

	// Missing handler is a failure routed through the policy like any other.
	stored, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRetrying, stored.Status)
}

func TestWorkerService_Run_StopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(ctx context.Context, j *model.Job, p model.Payload) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestWorkerService_EndToEnd_AdmitAndProcess(t *testing.T) {
	// Full path: admission dispatches through the broker, the worker dequeues
	// and completes, and the dedup claim clears for the next admission.
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Register(model.JobTypeSEOAudit,
		func(c context.Context, j *model.Job, p model.Payload) error { return nil }))

	handle, err := f.claims.Admit(ctx, core.AdmitRequest{
		Type:    model.JobTypeSEOAudit,
		Payload: model.SEOAuditPayload{SiteID: "site-1"},
	})
	require.NoError(t, err)
	require.True(t, handle.IsJob())

	item, err := f.broker.Dequeue(ctx, model.QueueSEO)
	require.NoError(t, err)
	require.NotNil(t, item)

	f.svc.processItem(ctx, item)

	stored, err := f.repo.GetByID(ctx, handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)

	again, err := f.claims.Admit(ctx, core.AdmitRequest{
		Type:    model.JobTypeSEOAudit,
		Payload: model.SEOAuditPayload{SiteID: "site-1"},
	})
	require.NoError(t, err)
	assert.True(t, again.IsJob())
}
