package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veltapay/sagaflow/internal/service"
)

type outboxRepository struct {
	sql sqlExecutor
}

func NewOutboxRepository(sqlDB *sql.DB) service.OutboxRepository {
	return &outboxRepository{sql: sqlDB}
}

// ScoutCandidate finds the oldest dispatchable message without locking it.
// Visibility is modeled entirely through locked_until: a released message
// carries its next visible-at time there.
func (r *outboxRepository) ScoutCandidate(ctx context.Context, now time.Time) (uuid.UUID, bool, error) {
	query := `
		SELECT id FROM outbox_messages
		WHERE processed_at IS NULL
		  AND (locked_until IS NULL OR locked_until <= $1)
		ORDER BY created_at ASC
		LIMIT 1
	`
	var id uuid.UUID
	err := scanSingleRow(ctx, r.sql, query, []any{now}, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// Claim re-checks the dispatchability predicate under UPDATE so two workers
// scouting the same id cannot both win.
func (r *outboxRepository) Claim(ctx context.Context, id uuid.UUID, workerID string, now, lockedUntil time.Time) (bool, error) {
	query := `
		UPDATE outbox_messages
		SET locked_by = $1, locked_until = $2
		WHERE id = $3
		  AND processed_at IS NULL
		  AND (locked_until IS NULL OR locked_until <= $4)
	`
	result, err := r.sql.ExecContext(ctx, query, workerID, lockedUntil, id, now)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *outboxRepository) GetByID(ctx context.Context, id uuid.UUID) (*service.OutboxMessageRecord, error) {
	query := `
		SELECT id, type, payload, created_at, processed_at, attempt_count, last_error, locked_by, locked_until
		FROM outbox_messages
		WHERE id = $1
	`
	msg := &service.OutboxMessageRecord{}
	var processedAt, lockedUntil sql.NullTime
	var lastError, lockedBy sql.NullString
	err := scanSingleRow(ctx, r.sql, query, []any{id},
		&msg.ID,
		&msg.Type,
		&msg.Payload,
		&msg.CreatedAt,
		&processedAt,
		&msg.AttemptCount,
		&lastError,
		&lockedBy,
		&lockedUntil,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		msg.ProcessedAt = &processedAt.Time
	}
	if lastError.Valid {
		msg.LastError = &lastError.String
	}
	if lockedBy.Valid {
		msg.LockedBy = &lockedBy.String
	}
	if lockedUntil.Valid {
		msg.LockedUntil = &lockedUntil.Time
	}
	return msg, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	query := `
		UPDATE outbox_messages
		SET processed_at = $1, locked_by = NULL, locked_until = NULL
		WHERE id = $2
	`
	_, err := r.sql.ExecContext(ctx, query, processedAt, id)
	return err
}

func (r *outboxRepository) Release(ctx context.Context, id uuid.UUID, visibleAt time.Time, lastError string, incrementAttempt bool) error {
	increment := 0
	if incrementAttempt {
		increment = 1
	}
	query := `
		UPDATE outbox_messages
		SET locked_by = NULL,
			locked_until = $1,
			last_error = $2,
			attempt_count = attempt_count + $3
		WHERE id = $4
	`
	_, err := r.sql.ExecContext(ctx, query, visibleAt, lastError, increment, id)
	return err
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		WITH batch AS (
			SELECT id FROM outbox_messages
			WHERE processed_at IS NOT NULL AND processed_at < $1
			LIMIT $2
		)
		DELETE FROM outbox_messages WHERE id IN (SELECT id FROM batch)
	`
	result, err := r.sql.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *outboxRepository) DeleteExhaustedBefore(ctx context.Context, cutoff time.Time, maxAttempts, limit int) (int64, error) {
	query := `
		WITH batch AS (
			SELECT id FROM outbox_messages
			WHERE processed_at IS NULL
			  AND attempt_count >= $1
			  AND created_at < $2
			LIMIT $3
		)
		DELETE FROM outbox_messages WHERE id IN (SELECT id FROM batch)
	`
	result, err := r.sql.ExecContext(ctx, query, maxAttempts, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
