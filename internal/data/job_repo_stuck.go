package data

import (
	"context"
	"fmt"
	"time"

	"github.com/pagecraft/orchestrator/internal/core"
	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// Waiting rows age from scheduled_for when set: a delayed admission or a
// retrying row sitting out its backoff is not stuck until its due time has
// also passed the threshold. Running rows age from started_at.
const findStuckQuery = `
	SELECT ` + jobColumns + `
	FROM jobs
	WHERE (status IN ('pending','scheduled','retrying')
	       AND COALESCE(scheduled_for, created_at) < $1
	       AND NOT (queue = ANY($2)))
	   OR (status = 'running'
	       AND started_at IS NOT NULL
	       AND started_at < $3)
	ORDER BY created_at ASC
	LIMIT $4
`

// FindStuck returns non-terminal jobs that have drifted: waiting rows due for
// longer than PendingOlderThan (excluding parked queues) and running rows
// whose started_at is older than RunningOlderThan. Oldest first so repeated
// sweeps make progress even with a small limit.
func (r *JobRepo) FindStuck(ctx context.Context, params core.FindStuckParams) ([]*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	pendingBefore := now.Add(-params.PendingOlderThan)
	runningBefore := now.Add(-params.RunningOlderThan)

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	excluded := make([]string, 0, len(params.ExcludeQueues))
	for _, q := range params.ExcludeQueues {
		excluded = append(excluded, string(q))
	}

	rows, err := r.DB.QueryContext(ctx, findStuckQuery, pendingBefore, excluded, runningBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJobFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stuck job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return jobs, nil
}

// DeleteFailedOlderThan prunes dead-lettered rows past retention. Batched so
// a large backlog never holds long locks; callers loop until it returns 0.
func (r *JobRepo) DeleteFailedOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'failed' AND completed_at IS NOT NULL AND completed_at < $1
			ORDER BY completed_at ASC
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old failed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old failed jobs rows affected: %w", err)
	}
	return n, nil
}
