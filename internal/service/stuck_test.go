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

func detectorConfigForTest() config.DetectorConfig {
	return config.DetectorConfig{
		Interval:      5 * time.Minute,
		PendingMaxAge: 30 * time.Minute,
		RunningMaxAge: 60 * time.Minute,
		MaxStuckCount: 3,
		BatchSize:     100,
	}
}

type detectorFixture struct {
	svc       *StuckDetectorService
	repo      *mockJobRepo
	broker    *mockBroker
	errorLogs *mockErrorLogRepo
	counters  *mockCounterStore
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()

	repo := newMockJobRepo()
	broker := newMockBroker()
	errorLogs := newMockErrorLogRepo()
	counters := newMockCounterStore()

	svc, err := NewStuckDetectorService(StuckDetectorServiceOptions{
		Jobs:      repo,
		Broker:    broker,
		ErrorLogs: errorLogs,
		Counters:  counters,
		Config:    detectorConfigForTest(),
	})
	require.NoError(t, err)

	return &detectorFixture{svc: svc, repo: repo, broker: broker, errorLogs: errorLogs, counters: counters}
}

func stuckJob(id, siteID string, status model.JobStatus) *model.Job {
	key := model.FormatCorrelationKey(model.QueueSEO, "item-"+id)
	site := siteID
	job := &model.Job{
		ID:             id,
		Type:           model.JobTypeSEOAudit,
		Queue:          model.QueueSEO,
		Status:         status,
		Priority:       model.DefaultPriority,
		SiteID:         &site,
		CorrelationKey: &key,
		MaxAttempts:    3,
		CreatedAt:      time.Now().Add(-45 * time.Minute),
	}
	if status == model.JobStatusRunning {
		started := time.Now().Add(-90 * time.Minute)
		job.StartedAt = &started
	}
	return job
}

func TestNewStuckDetectorService(t *testing.T) {
	tests := []struct {
		name string
		opts StuckDetectorServiceOptions
	}{
		{"missing jobs", StuckDetectorServiceOptions{
			Broker: newMockBroker(), ErrorLogs: newMockErrorLogRepo(), Counters: newMockCounterStore(),
		}},
		{"missing broker", StuckDetectorServiceOptions{
			Jobs: newMockJobRepo(), ErrorLogs: newMockErrorLogRepo(), Counters: newMockCounterStore(),
		}},
		{"missing error logs", StuckDetectorServiceOptions{
			Jobs: newMockJobRepo(), Broker: newMockBroker(), Counters: newMockCounterStore(),
		}},
		{"missing counters", StuckDetectorServiceOptions{
			Jobs: newMockJobRepo(), Broker: newMockBroker(), ErrorLogs: newMockErrorLogRepo(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStuckDetectorService(tt.opts)
			require.Error(t, err)
		})
	}
}

func TestStuckDetectorService_Sweep_HealsFirstOccurrence(t *testing.T) {
	f := newDetectorFixture(t)
	job := stuckJob("job-1", "site-1", model.JobStatusPending)
	f.repo.jobs[job.ID] = job
	f.repo.stuckJobs = []*model.Job{job}

	result, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Detected)
	assert.Equal(t, 1, result.Healed)
	assert.Equal(t, 0, result.Failed)

	// Broker entry removed, store record deleted.
	assert.Contains(t, f.broker.removedIDs, "item-job-1")
	assert.Contains(t, f.repo.deletedIDs, "job-1")

	// One MEDIUM audit entry with stuck_count 1.
	require.Len(t, f.errorLogs.entries, 1)
	entry := f.errorLogs.entries[0]
	assert.Equal(t, severityMedium, entry.Severity)
	assert.Equal(t, "1", entry.Context["stuck_count"])
	assert.False(t, entry.Retryable)
}

func TestStuckDetectorService_Heal_ReleasesDedupClaim(t *testing.T) {
	repo := newMockJobRepo()
	broker := newMockBroker()
	errorLogs := newMockErrorLogRepo()
	counters := newMockCounterStore()
	cache := newMockCache()

	admission, err := NewAdmissionService(AdmissionServiceOptions{
		Jobs:   repo,
		Broker: broker,
		Cache:  cache,
		Config: admissionConfigForTest(),
	})
	require.NoError(t, err)

	detector, err := NewStuckDetectorService(StuckDetectorServiceOptions{
		Jobs:      repo,
		Broker:    broker,
		ErrorLogs: errorLogs,
		Counters:  counters,
		Claims:    admission,
		Config:    detectorConfigForTest(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := admission.Admit(ctx, core.AdmitRequest{
		Type:    model.JobTypeSEOAudit,
		Payload: model.SEOAuditPayload{SiteID: "site-1"},
	})
	require.NoError(t, err)
	require.True(t, handle.IsJob())

	job := repo.jobs[handle.JobID]
	require.NotNil(t, job)
	repo.stuckJobs = []*model.Job{job}

	result, err := detector.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Healed)

	// The re-issue for the same (site, type) must admit fresh work, not hit
	// the dedup sentinel left over from the healed job.
	handle, err = admission.Admit(ctx, core.AdmitRequest{
		Type:    model.JobTypeSEOAudit,
		Payload: model.SEOAuditPayload{SiteID: "site-1"},
	})
	require.NoError(t, err)
	assert.True(t, handle.IsJob())
}

func TestStuckDetectorService_Sweep_BoundedHealing(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()

	// The same (site, type) pair turns up stuck in four consecutive sweeps.
	// Sweeps 1-3 heal; sweep 4 exceeds the ceiling and permanently fails.
	for sweep := 1; sweep <= 4; sweep++ {
		f.repo.findStuckCalls = 0
		job := stuckJob("job-1", "site-1", model.JobStatusPending)
		f.repo.jobs[job.ID] = job
		f.repo.stuckJobs = []*model.Job{job}

		result, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Detected, "sweep %d", sweep)

		if sweep <= 3 {
			assert.Equal(t, 1, result.Healed, "sweep %d should heal", sweep)
			assert.Contains(t, f.repo.deletedIDs, "job-1")
		} else {
			assert.Equal(t, 1, result.Failed, "sweep 4 should permanently fail")
			// The record is failed, not deleted.
			assert.Contains(t, f.repo.failedIDs, "job-1")
			stored, getErr := f.repo.GetByID(ctx, "job-1")
			require.NoError(t, getErr)
			assert.Equal(t, model.JobStatusFailed, stored.Status)
		}
	}

	// Audit trail: MEDIUM, HIGH, HIGH, CRITICAL.
	require.Len(t, f.errorLogs.entries, 4)
	assert.Equal(t, severityMedium, f.errorLogs.entries[0].Severity)
	assert.Equal(t, severityHigh, f.errorLogs.entries[1].Severity)
	assert.Equal(t, severityHigh, f.errorLogs.entries[2].Severity)
	assert.Equal(t, string(apperrors.SeverityCritical), f.errorLogs.entries[3].Severity)
}

func TestStuckDetectorService_ResetStuckCount(t *testing.T) {
	f := newDetectorFixture(t)
	ctx := context.Background()

	// Two sweeps bump the counter to 2.
	for range 2 {
		f.repo.findStuckCalls = 0
		job := stuckJob("job-1", "site-1", model.JobStatusPending)
		f.repo.jobs[job.ID] = job
		f.repo.stuckJobs = []*model.Job{job}
		_, err := f.svc.Sweep(ctx)
		require.NoError(t, err)
	}

	siteID := "site-1"
	require.NoError(t, f.svc.ResetStuckCount(ctx, &siteID, model.JobTypeSEOAudit))

	// Next detection counts as first occurrence again.
	f.repo.findStuckCalls = 0
	job := stuckJob("job-1", "site-1", model.JobStatusPending)
	f.repo.jobs[job.ID] = job
	f.repo.stuckJobs = []*model.Job{job}
	_, err := f.svc.Sweep(ctx)
	require.NoError(t, err)

	last := f.errorLogs.entries[len(f.errorLogs.entries)-1]
	assert.Equal(t, severityMedium, last.Severity)
	assert.Equal(t, "1", last.Context["stuck_count"])
}

func TestStuckDetectorService_Sweep_RunningJob(t *testing.T) {
	f := newDetectorFixture(t)
	job := stuckJob("job-9", "site-2", model.JobStatusRunning)
	f.repo.jobs[job.ID] = job
	f.repo.stuckJobs = []*model.Job{job}

	result, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Healed)
	assert.Contains(t, f.repo.deletedIDs, "job-9")
}

func TestStuckDetectorService_Sweep_NoCorrelationKey(t *testing.T) {
	// Admitted but dispatch never completed: no broker entry to remove.
	f := newDetectorFixture(t)
	job := stuckJob("job-1", "site-1", model.JobStatusPending)
	job.CorrelationKey = nil
	f.repo.jobs[job.ID] = job
	f.repo.stuckJobs = []*model.Job{job}

	result, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Healed)
	assert.Empty(t, f.broker.removedIDs)
	assert.Contains(t, f.repo.deletedIDs, "job-1")
}

func TestStuckDetectorService_Sweep_FindStuckError(t *testing.T) {
	f := newDetectorFixture(t)
	f.repo.findStuckErr = errors.New("database unavailable")

	_, err := f.svc.Sweep(context.Background())
	require.Error(t, err)
}

func TestStuckDetectorService_Run_StopsOnCancel(t *testing.T) {
	f := newDetectorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
