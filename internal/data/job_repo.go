// Package data contains the concrete repository implementations: the Postgres
// job store and error log, the Redis cache repo backing dedup claims and
// budget counters, and the in-memory stuck counter.
package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for the durable job store.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  type,
  queue,
  status,
  priority,
  payload,
  site_id,
  correlation_key,
  attempts,
  max_attempts,
  scheduled_for,
  started_at,
  completed_at,
  last_error,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload                                []byte
	siteID, correlationKey, lastError      sql.NullString
	scheduledFor, startedAt, completedAt   sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.Queue,
		&job.Status,
		&job.Priority,
		&d.payload,
		&d.siteID,
		&d.correlationKey,
		&job.Attempts,
		&job.MaxAttempts,
		&d.scheduledFor,
		&d.startedAt,
		&d.completedAt,
		&d.lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.SiteID = cloneNullableString(d.siteID)
	job.CorrelationKey = cloneNullableString(d.correlationKey)
	job.LastError = cloneNullableString(d.lastError)
	job.ScheduledFor = cloneNullableTime(d.scheduledFor)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
