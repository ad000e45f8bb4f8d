package errors

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateJob marks a unique-violation on the jobs dedup index. Admission
// treats it as a dedup outcome, not a failure.
var ErrDuplicateJob = errors.New("duplicate non-terminal job")

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (including ones already mapped to ErrDuplicateJob).
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicateJob) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// MapDBError normalizes store-layer errors into JobErrors:
//   - context deadline/cancel → NETWORK (temporary)
//   - pgx.ErrNoRows → NOT_FOUND
//   - unique violation → ErrDuplicateJob (sentinel, checked by admission)
//   - other Postgres errors → DATABASE (recoverable)
//
// Unrecognized errors pass through unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, Network("database operation timed out"))
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, Network("database operation canceled"))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(err, NotFound("row not found"))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateJob
		}
		return Wrap(err, Database("postgres error "+pgErr.Code+": "+pgErr.Message))
	}
	return err
}
