package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/data/pgxutil"
	"github.com/pagecraft/orchestrator/internal/domain/model"
	apperrors "github.com/pagecraft/orchestrator/internal/errors"
)

// Create inserts a new job row. A unique violation on the active (owner, type)
// index surfaces as apperrors.ErrDuplicateJob so admission can map it to the
// dedup outcome.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid job type: %q", req.Type)
	}
	if !req.Queue.Valid() {
		return nil, fmt.Errorf("invalid queue: %q", req.Queue)
	}

	status := req.Status
	if status == "" {
		status = model.JobStatusPending
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = req.Queue.Config().DefaultAttempts
	}

	query := `
      INSERT INTO jobs(type, queue, status, priority, payload, site_id, max_attempts, scheduled_for)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
      RETURNING ` + jobColumns

	var scheduledFor any
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, query,
				req.Type,
				req.Queue,
				status,
				model.ClampPriority(req.Priority),
				payload,
				req.SiteID,
				maxAttempts,
				scheduledFor,
			)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}
			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

// GetByID fetches a job by its id.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJobFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// SetCorrelationKey writes back the broker reference after a successful
// dispatch. Only ever called once per job, right after creation.
func (r *JobRepo) SetCorrelationKey(ctx context.Context, id, key string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET correlation_key = $2, updated_at = $3
		WHERE id = $1
	`, id, key, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set correlation key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set correlation key rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrJobNotFound
	}
	return nil
}

// Delete removes a job row entirely. Used by the compensating delete after a
// failed dispatch and by the stuck-heal path; completion never deletes.
func (r *JobRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkRunning transitions a dispatchable job to running, stamps started_at on
// the first attempt, and increments the attempt counter. Returns the updated
// job, or ErrJobNotFound when the row is missing or already terminal.
func (r *JobRepo) MarkRunning(ctx context.Context, id string) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	query := `
	  UPDATE jobs
	  SET status = 'running',
	      started_at = $2,
	      attempts = attempts + 1,
	      updated_at = $2
	  WHERE id = $1 AND status IN ('pending','scheduled','retrying')
	  RETURNING ` + jobColumns

	row := r.DB.QueryRowContext(ctx, query, id, now)
	job, err := scanJobFromRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("mark running: %w", err)
	}
	return job, nil
}

// Complete marks a running job completed. Returns false when the job is not
// running (lost lease, already terminal).
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job rows affected: %w", err)
	}
	return n > 0, nil
}

// Fail dead-letters a job: terminal, row retained for operators.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    completed_at = $3,
		    updated_at = $3,
		    last_error = $2
		WHERE id = $1 AND status NOT IN ('completed','failed')
	`, id, errMsg, now)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail job rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkRetrying records a retryable failure: the row stays non-terminal (so the
// dedup index still covers it) and scheduled_for carries the backoff deadline.
func (r *JobRepo) MarkRetrying(ctx context.Context, params core.MarkRetryingParams) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'retrying',
		    last_error = $2,
		    scheduled_for = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'running'
	`, params.ID, params.ErrMsg, params.NextRun.UTC(), now)
	if err != nil {
		return false, fmt.Errorf("mark retrying: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark retrying rows affected: %w", err)
	}
	return n > 0, nil
}

// Stats returns per-state counts for jobs of the given type.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'scheduled') AS scheduled,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'retrying')  AS retrying,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  WHERE type = $1
  `, jobType).Scan(
		&s.Pending,
		&s.Scheduled,
		&s.Running,
		&s.Retrying,
		&s.Completed,
		&s.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// ListRecent returns the newest jobs of a type, for operator tooling.
func (r *JobRepo) ListRecent(ctx context.Context, jobType model.JobType, limit int) ([]*model.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE type = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}
