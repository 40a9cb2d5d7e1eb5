package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/veltapay/sagaflow/internal/service"
)

type idempotencyRepository struct {
	sql sqlExecutor
}

func NewIdempotencyRepository(sqlDB *sql.DB) service.IdempotencyRepository {
	return &idempotencyRepository{sql: sqlDB}
}

// UpsertClaim inserts the key as locked, or takes over the lock when the row
// exists unconsumed with an expired lease. Both paths are one atomic
// statement; zero rows affected means the key is consumed or validly held.
func (r *idempotencyRepository) UpsertClaim(ctx context.Context, key, ownerID string, now, lockedUntil time.Time) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, is_consumed, locked_by, locked_until, created_at)
		VALUES ($1, FALSE, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET locked_by = EXCLUDED.locked_by,
			locked_until = EXCLUDED.locked_until
		WHERE idempotency_keys.is_consumed = FALSE
			AND (idempotency_keys.locked_until IS NULL OR idempotency_keys.locked_until <= $5)
	`
	res, err := r.sql.ExecContext(ctx, query, key, ownerID, lockedUntil, now, now)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *idempotencyRepository) GetKey(ctx context.Context, key string) (*service.IdempotencyKeyRecord, error) {
	query := `
		SELECT key, is_consumed, locked_by, locked_until, created_at
		FROM idempotency_keys
		WHERE key = $1
	`
	record := &service.IdempotencyKeyRecord{}
	var lockedBy sql.NullString
	var lockedUntil sql.NullTime
	err := scanSingleRow(ctx, r.sql, query, []any{key},
		&record.Key,
		&record.IsConsumed,
		&lockedBy,
		&lockedUntil,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lockedBy.Valid {
		v := lockedBy.String
		record.LockedBy = &v
	}
	if lockedUntil.Valid {
		v := lockedUntil.Time
		record.LockedUntil = &v
	}
	return record, nil
}

// MarkConsumed seals the key. The owner predicate makes the seal a no-op for
// a worker whose lease was taken over; zero rows affected reports that.
func (r *idempotencyRepository) MarkConsumed(ctx context.Context, key, ownerID string) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET is_consumed = TRUE,
			locked_by = NULL,
			locked_until = NULL
		WHERE key = $1
			AND is_consumed = FALSE
			AND locked_by = $2
	`
	res, err := r.sql.ExecContext(ctx, query, key, ownerID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
