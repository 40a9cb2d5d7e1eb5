package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tidwall/sjson"

	"github.com/veltapay/sagaflow/internal/service"
)

type sagaRepository struct {
	db *sql.DB
}

// NewSagaRepository takes the raw pool rather than a sqlExecutor because
// CreateSaga opens its own transaction.
func NewSagaRepository(sqlDB *sql.DB) service.SagaRepository {
	return &sagaRepository{db: sqlDB}
}

// CreateSaga inserts the snapshot and its StartSaga outbox message in one
// transaction. The shared commit is the whole point of the outbox pattern:
// either both rows exist or neither does.
func (r *sagaRepository) CreateSaga(ctx context.Context, snap *service.SagaSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sagaQuery := `
		INSERT INTO sagas (id, state, current_step_index, data_json, data_type, error_log)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, sagaQuery,
		snap.ID,
		snap.State,
		snap.Cursor,
		snap.DataJSON,
		snap.DataType,
		pq.Array(snap.ErrorLog),
	); err != nil {
		return err
	}

	payload, err := sjson.SetBytes([]byte(`{}`), "SagaId", snap.ID.String())
	if err != nil {
		return err
	}
	outboxQuery := `
		INSERT INTO outbox_messages (id, type, payload)
		VALUES ($1, $2, $3)
	`
	if _, err := tx.ExecContext(ctx, outboxQuery, uuid.New(), service.OutboxTypeStartSaga, payload); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *sagaRepository) GetSnapshot(ctx context.Context, sagaID uuid.UUID) (*service.SagaSnapshot, error) {
	query := `
		SELECT id, state, current_step_index, data_json, data_type, error_log, created_at, updated_at
		FROM sagas
		WHERE id = $1
	`
	snap := &service.SagaSnapshot{}
	var errorLog pq.StringArray
	err := scanSingleRow(ctx, r.db, query, []any{sagaID},
		&snap.ID,
		&snap.State,
		&snap.Cursor,
		&snap.DataJSON,
		&snap.DataType,
		&errorLog,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.ErrorLog = []string(errorLog)
	return snap, nil
}

func (r *sagaRepository) UpsertSnapshot(ctx context.Context, snap *service.SagaSnapshot) error {
	query := `
		INSERT INTO sagas (id, state, current_step_index, data_json, data_type, error_log)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
			current_step_index = EXCLUDED.current_step_index,
			data_json = EXCLUDED.data_json,
			error_log = EXCLUDED.error_log,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		snap.ID,
		snap.State,
		snap.Cursor,
		snap.DataJSON,
		snap.DataType,
		pq.Array(snap.ErrorLog),
	)
	return err
}
