package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

// ErrorLogRepo provides database operations for the append-only failure log.
type ErrorLogRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewErrorLogRepo creates a new ErrorLogRepo.
func NewErrorLogRepo(db *sql.DB, cfg RepoConfig) *ErrorLogRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ErrorLogRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const errorLogColumns = `
  id,
  job_id,
  job_type,
  site_id,
  error_name,
  error_message,
  category,
  severity,
  retryable,
  attempt_number,
  context,
  stack_trace,
  created_at
`

// Insert appends one entry. Entries are immutable once written.
func (r *ErrorLogRepo) Insert(ctx context.Context, entry *model.ErrorLogEntry) (*model.ErrorLogEntry, error) {
	if entry == nil {
		return nil, errors.New("error log entry is required")
	}
	if entry.JobID == "" {
		return nil, errors.New("job id is required")
	}

	contextJSON := []byte(`{}`)
	if len(entry.Context) > 0 {
		b, err := json.Marshal(entry.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal error context: %w", err)
		}
		contextJSON = b
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO error_logs(job_id, job_type, site_id, error_name, error_message,
		                       category, severity, retryable, attempt_number, context, stack_trace)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+errorLogColumns, entry.JobID, entry.JobType, entry.SiteID,
		entry.ErrorName, entry.ErrorMessage, entry.Category, entry.Severity,
		entry.Retryable, entry.AttemptNumber, contextJSON, entry.StackTrace)

	created, err := scanErrorLogRow(row)
	if err != nil {
		return nil, fmt.Errorf("insert error log: %w", err)
	}
	return created, nil
}

// GetByID fetches one entry by its id.
func (r *ErrorLogRepo) GetByID(ctx context.Context, id string) (*model.ErrorLogEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+errorLogColumns+` FROM error_logs WHERE id = $1`, id)
	entry, err := scanErrorLogRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrLogEntryNotFound
		}
		return nil, fmt.Errorf("get error log: %w", err)
	}
	return entry, nil
}

// List returns a filtered, paginated page of entries, newest first, plus the
// unpaged total for the same filter.
func (r *ErrorLogRepo) List(ctx context.Context, filter model.ErrorLogFilter, page model.Page) (*model.ErrorLogPage, error) {
	where, args := buildErrorLogWhere(filter)
	page = page.Clamp()

	var total int
	countQuery := `SELECT count(*) FROM error_logs` + where
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count error logs: %w", err)
	}

	listQuery := `SELECT ` + errorLogColumns + ` FROM error_logs` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := r.DB.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	entries := make([]model.ErrorLogEntry, 0, page.Limit)
	for rows.Next() {
		entry, scanErr := scanErrorLogRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan error log: %w", scanErr)
		}
		entries = append(entries, *entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return &model.ErrorLogPage{Entries: entries, Total: total}, nil
}

func buildErrorLogWhere(filter model.ErrorLogFilter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if filter.JobType != "" {
		add("job_type = ?", filter.JobType)
	}
	if filter.SiteID != "" {
		add("site_id = ?", filter.SiteID)
	}
	if filter.Category != "" {
		add("category = ?", filter.Category)
	}
	if filter.Severity != "" {
		add("severity = ?", filter.Severity)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at < ?", filter.Until.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Stats aggregates entries over the trailing window by type, category, and
// severity.
func (r *ErrorLogRepo) Stats(ctx context.Context, window time.Duration) (*model.ErrorStats, error) {
	since := r.timeProvider.Now().Add(-window).UTC()

	stats := &model.ErrorStats{
		Window:     window,
		ByType:     map[string]int{},
		ByCategory: map[string]int{},
		BySeverity: map[string]int{},
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_type, category, severity, count(*)
		FROM error_logs
		WHERE created_at >= $1
		GROUP BY job_type, category, severity
	`, since)
	if err != nil {
		return nil, fmt.Errorf("error log stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobType, category, severity string
		var count int
		if scanErr := rows.Scan(&jobType, &category, &severity, &count); scanErr != nil {
			return nil, fmt.Errorf("scan error stats: %w", scanErr)
		}
		stats.Total += count
		stats.ByType[jobType] += count
		stats.ByCategory[category] += count
		stats.BySeverity[severity] += count
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return stats, nil
}

// CountByTypeSince feeds repeated-failure pattern detection.
func (r *ErrorLogRepo) CountByTypeSince(ctx context.Context, since time.Time) (map[model.JobType]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_type, count(*)
		FROM error_logs
		WHERE created_at >= $1
		GROUP BY job_type
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count error logs by type: %w", err)
	}
	defer rows.Close()

	counts := map[model.JobType]int{}
	for rows.Next() {
		var jobType model.JobType
		var count int
		if scanErr := rows.Scan(&jobType, &count); scanErr != nil {
			return nil, fmt.Errorf("scan error count: %w", scanErr)
		}
		counts[jobType] = count
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return counts, nil
}

// ListCritical returns CRITICAL-severity entries in the window, newest first.
func (r *ErrorLogRepo) ListCritical(ctx context.Context, since time.Time, limit int) ([]model.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+errorLogColumns+`
		FROM error_logs
		WHERE severity = 'CRITICAL' AND created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list critical error logs: %w", err)
	}
	defer rows.Close()

	var entries []model.ErrorLogEntry
	for rows.Next() {
		entry, scanErr := scanErrorLogRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan critical error log: %w", scanErr)
		}
		entries = append(entries, *entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return entries, nil
}

// DeleteOlderThan removes entries past retention in batches; callers loop
// until it returns 0.
func (r *ErrorLogRepo) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	cutoff := r.timeProvider.Now().Add(-maxAge).UTC()

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM error_logs
		WHERE id IN (
			SELECT id FROM error_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old error logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old error logs rows affected: %w", err)
	}
	return n, nil
}

type errorLogRowScanner interface {
	Scan(dest ...any) error
}

func scanErrorLogRow(scanner errorLogRowScanner) (*model.ErrorLogEntry, error) {
	entry := &model.ErrorLogEntry{}
	var siteID, stackTrace sql.NullString
	var contextJSON []byte

	if err := scanner.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.JobType,
		&siteID,
		&entry.ErrorName,
		&entry.ErrorMessage,
		&entry.Category,
		&entry.Severity,
		&entry.Retryable,
		&entry.AttemptNumber,
		&contextJSON,
		&stackTrace,
		&entry.CreatedAt,
	); err != nil {
		return nil, err
	}

	entry.SiteID = cloneNullableString(siteID)
	entry.StackTrace = cloneNullableString(stackTrace)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &entry.Context); err != nil {
			// context is advisory; a malformed blob should not hide the entry
			entry.Context = nil
		}
	}
	return entry, nil
}
