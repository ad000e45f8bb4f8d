package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// mockJobRepo is a simple in-memory core.JobRepository for testing.
type mockJobRepo struct {
	mu sync.Mutex

	jobs    map[string]*model.Job
	nextID  int
	created []*model.Job

	createErr         error
	setCorrelationErr error
	deleteErr         error
	markRunningErr    error

	deletedIDs      []string
	correlationKeys map[string]string
	failedIDs       []string
	failedMsgs      []string
	completedIDs    []string
	retryingParams  []core.MarkRetryingParams

	stuckJobs        []*model.Job
	findStuckErr     error
	findStuckCalls   int
	deleteFailedLeft int64
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{
		jobs:            make(map[string]*model.Job),
		correlationKeys: make(map[string]string),
	}
}

func (m *mockJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return nil, m.createErr
	}

	m.nextID++
	now := time.Now()
	status := req.Status
	if status == "" {
		status = model.JobStatusPending
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = req.Queue.Config().DefaultAttempts
	}
	job := &model.Job{
		ID:           fmt.Sprintf("job-%d", m.nextID),
		Type:         req.Type,
		Queue:        req.Queue,
		Status:       status,
		Priority:     req.Priority,
		Payload:      req.Payload,
		SiteID:       req.SiteID,
		MaxAttempts:  maxAttempts,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[job.ID] = job
	m.created = append(m.created, job)
	return job, nil
}

func (m *mockJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return job, nil
}

func (m *mockJobRepo) SetCorrelationKey(ctx context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setCorrelationErr != nil {
		return m.setCorrelationErr
	}
	m.correlationKeys[id] = key
	if job, ok := m.jobs[id]; ok {
		job.CorrelationKey = &key
	}
	return nil
}

func (m *mockJobRepo) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	m.deletedIDs = append(m.deletedIDs, id)
	_, ok := m.jobs[id]
	delete(m.jobs, id)
	return ok, nil
}

func (m *mockJobRepo) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markRunningErr != nil {
		return nil, m.markRunningErr
	}
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() || job.Status == model.JobStatusRunning {
		// Matches the SQL contract: the guarded UPDATE hits no row.
		return nil, model.ErrJobNotFound
	}
	now := time.Now()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	job.Attempts++
	return job, nil
}

func (m *mockJobRepo) Complete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedIDs = append(m.completedIDs, id)
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	job.Status = model.JobStatusCompleted
	return true, nil
}

func (m *mockJobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedIDs = append(m.failedIDs, id)
	m.failedMsgs = append(m.failedMsgs, errMsg)
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	job.Status = model.JobStatusFailed
	job.LastError = &errMsg
	return true, nil
}

func (m *mockJobRepo) MarkRetrying(ctx context.Context, params core.MarkRetryingParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryingParams = append(m.retryingParams, params)
	job, ok := m.jobs[params.ID]
	if !ok {
		return false, nil
	}
	job.Status = model.JobStatusRetrying
	job.LastError = &params.ErrMsg
	nextRun := params.NextRun
	job.ScheduledFor = &nextRun
	return true, nil
}

func (m *mockJobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

func (m *mockJobRepo) ListRecent(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) FindStuck(ctx context.Context, params core.FindStuckParams) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findStuckCalls++
	if m.findStuckErr != nil {
		return nil, m.findStuckErr
	}
	// Return the configured batch once, then nothing.
	if m.findStuckCalls == 1 {
		return m.stuckJobs, nil
	}
	return nil, nil
}

func (m *mockJobRepo) DeleteFailedOlderThan(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.deleteFailedLeft
	m.deleteFailedLeft = 0
	return count, nil
}

// mockBroker is a simple in-memory core.Broker for testing.
type mockBroker struct {
	mu sync.Mutex

	nextID   int
	enqueued []core.EnqueueParams
	items    map[string]*core.BrokerItem

	enqueueErr error
	dequeueErr error

	ackedIDs    []string
	releases    []core.ReleaseParams
	removedIDs  []string
	removeFound bool

	repeatables map[string]core.RepeatableSpec
	claimed     map[string]bool
	claimErr    error
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		items:       make(map[string]*core.BrokerItem),
		repeatables: make(map[string]core.RepeatableSpec),
		claimed:     make(map[string]bool),
		removeFound: true,
	}
}

func (m *mockBroker) Enqueue(ctx context.Context, params core.EnqueueParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return "", m.enqueueErr
	}
	m.nextID++
	id := fmt.Sprintf("item-%d", m.nextID)
	m.enqueued = append(m.enqueued, params)
	m.items[id] = &core.BrokerItem{
		ID:         id,
		Queue:      params.Queue,
		Payload:    params.Payload,
		Priority:   params.Priority,
		EnqueuedAt: time.Now(),
	}
	return id, nil
}

func (m *mockBroker) Dequeue(ctx context.Context, queue model.Queue) (*core.BrokerItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dequeueErr != nil {
		return nil, m.dequeueErr
	}
	for _, item := range m.items {
		if item.Queue == queue {
			item.Deliveries++
			delete(m.items, item.ID)
			return item, nil
		}
	}
	return nil, nil
}

func (m *mockBroker) Ack(ctx context.Context, queue model.Queue, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackedIDs = append(m.ackedIDs, itemID)
	return nil
}

func (m *mockBroker) Release(ctx context.Context, params core.ReleaseParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, params)
	return nil
}

func (m *mockBroker) Remove(ctx context.Context, queue model.Queue, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedIDs = append(m.removedIDs, itemID)
	return m.removeFound, nil
}

func (m *mockBroker) Depths(ctx context.Context) (map[model.Queue]int64, error) {
	return map[model.Queue]int64{}, nil
}

func (m *mockBroker) RegisterRepeatable(ctx context.Context, spec core.RepeatableSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.repeatables[spec.ID]; exists {
		return nil
	}
	m.repeatables[spec.ID] = spec
	return nil
}

func (m *mockBroker) Repeatables(ctx context.Context) ([]core.RepeatableSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.RepeatableSpec, 0, len(m.repeatables))
	for _, spec := range m.repeatables {
		out = append(out, spec)
	}
	return out, nil
}

func (m *mockBroker) UnregisterAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.repeatables)
	m.repeatables = make(map[string]core.RepeatableSpec)
	return count, nil
}

func (m *mockBroker) ClaimFire(
	ctx context.Context,
	spec core.RepeatableSpec,
	occurrence time.Time,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	key := fmt.Sprintf("%s:%d", spec.ID, occurrence.Unix())
	if m.claimed[key] {
		return false, nil
	}
	m.claimed[key] = true
	return true, nil
}

// mockCache is a simple in-memory core.CacheRepository for testing.
type mockCache struct {
	mu sync.Mutex

	store    map[string]string
	counters map[string]int64

	setNXErr  error
	incrErr   error
	deleteErr error

	deletedKeys []string
}

func newMockCache() *mockCache {
	return &mockCache{
		store:    make(map[string]string),
		counters: make(map[string]int64),
	}
}

func (m *mockCache) SetIfNotExists(ctx context.Context, params core.SetIfNotExistsParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setNXErr != nil {
		return false, m.setNXErr
	}
	if _, exists := m.store[params.Key]; exists {
		return false, nil
	}
	m.store[params.Key] = params.Value
	return true, nil
}

func (m *mockCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	return v, ok, nil
}

func (m *mockCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletedKeys = append(m.deletedKeys, key)
	delete(m.store, key)
	return nil
}

func (m *mockCache) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrErr != nil {
		return 0, m.incrErr
	}
	m.counters[key]++
	return m.counters[key], nil
}

// mockErrorLogRepo is a simple in-memory core.ErrorLogRepository for testing.
type mockErrorLogRepo struct {
	mu sync.Mutex

	entries   []*model.ErrorLogEntry
	nextID    int
	insertErr error

	countsByType   map[model.JobType]int
	criticalList   []model.ErrorLogEntry
	deleteLeft     int64
	deleteOldCalls int
}

func newMockErrorLogRepo() *mockErrorLogRepo {
	return &mockErrorLogRepo{
		countsByType: make(map[model.JobType]int),
	}
}

func (m *mockErrorLogRepo) Insert(
	ctx context.Context,
	entry *model.ErrorLogEntry,
) (*model.ErrorLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.nextID++
	stored := *entry
	stored.ID = fmt.Sprintf("errlog-%d", m.nextID)
	stored.CreatedAt = time.Now()
	m.entries = append(m.entries, &stored)
	return &stored, nil
}

func (m *mockErrorLogRepo) GetByID(ctx context.Context, id string) (*model.ErrorLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, model.ErrLogEntryNotFound
}

func (m *mockErrorLogRepo) List(
	ctx context.Context,
	filter model.ErrorLogFilter,
	page model.Page,
) (*model.ErrorLogPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &model.ErrorLogPage{Total: len(m.entries)}
	for _, e := range m.entries {
		out.Entries = append(out.Entries, *e)
	}
	return out, nil
}

func (m *mockErrorLogRepo) Stats(ctx context.Context, window time.Duration) (*model.ErrorStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.ErrorStats{
		Window:     window,
		Total:      len(m.entries),
		ByType:     make(map[string]int),
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, e := range m.entries {
		stats.ByType[string(e.JobType)]++
		stats.ByCategory[e.Category]++
		stats.BySeverity[e.Severity]++
	}
	return stats, nil
}

func (m *mockErrorLogRepo) CountByTypeSince(
	ctx context.Context,
	since time.Time,
) (map[model.JobType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsByType, nil
}

func (m *mockErrorLogRepo) ListCritical(
	ctx context.Context,
	since time.Time,
	limit int,
) ([]model.ErrorLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < len(m.criticalList) {
		return m.criticalList[:limit], nil
	}
	return m.criticalList, nil
}

func (m *mockErrorLogRepo) DeleteOlderThan(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteOldCalls++
	count := m.deleteLeft
	m.deleteLeft = 0
	return count, nil
}

// mockCounterStore is a simple in-memory core.StuckCounterStore for testing.
type mockCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
	resets []string
}

func newMockCounterStore() *mockCounterStore {
	return &mockCounterStore{counts: make(map[string]int)}
}

func (m *mockCounterStore) Incr(
	ctx context.Context,
	ownerKey string,
	jobType model.JobType,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ownerKey + ":" + string(jobType)
	m.counts[key]++
	return m.counts[key], nil
}

func (m *mockCounterStore) Reset(ctx context.Context, ownerKey string, jobType model.JobType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ownerKey + ":" + string(jobType)
	m.resets = append(m.resets, key)
	delete(m.counts, key)
	return nil
}

// mockSink records emitted metrics for assertions.
type mockSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newMockSink() *mockSink {
	return &mockSink{counts: make(map[string]int64)}
}

func (m *mockSink) Count(name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

func (m *mockSink) Gauge(name string, value float64, tags map[string]string) {}

func (m *mockSink) Timing(name string, value time.Duration, tags map[string]string) {}

func (m *mockSink) countOf(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}
