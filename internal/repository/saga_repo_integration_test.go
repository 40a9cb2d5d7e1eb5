//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/service"
)

func newTestSnapshot() *service.SagaSnapshot {
	return &service.SagaSnapshot{
		ID:       uuid.New(),
		State:    string(domain.SagaStateCreated),
		Cursor:   0,
		DataJSON: []byte(`{"from_user_id":"U1","to_user_id":"U2","amount":"777"}`),
		DataType: domain.TransferDataType,
		ErrorLog: []string{},
	}
}

func TestSagaRepositoryIntegration_CreateSagaWritesOutboxAtomically(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	sagas := NewSagaRepository(integrationDB)
	outbox := NewOutboxRepository(integrationDB)

	snap := newTestSnapshot()
	require.NoError(t, sagas.CreateSaga(ctx, snap))

	got, err := sagas.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, string(domain.SagaStateCreated), got.State)
	require.False(t, got.CreatedAt.IsZero())

	id, found, err := outbox.ScoutCandidate(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, found, "creating a saga must enqueue its start message")

	msg, err := outbox.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, service.OutboxTypeStartSaga, msg.Type)
	require.Equal(t, snap.ID.String(), gjson.GetBytes(msg.Payload, "SagaId").String())
}

func TestSagaRepositoryIntegration_CreateSagaDuplicateIDLeavesNoExtraOutboxRow(t *testing.T) {
	resetTables(t)
	ctx := context.Background()
	sagas := NewSagaRepository(integrationDB)

	snap := newTestSnapshot()
	require.NoError(t, sagas.CreateSaga(ctx, snap))
	require.Error(t, sagas.CreateSaga(ctx, snap), "saga ids are unique")

	var outboxRows int
	require.NoError(t, integrationDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox_messages").Scan(&outboxRows))
	require.Equal(t, 1, outboxRows, "the failed transaction must not leave a second message behind")
}

func TestSagaRepositoryIntegration_SnapshotUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	sagas := NewSagaRepository(integrationDB)

	snap := newTestSnapshot()
	require.NoError(t, sagas.CreateSaga(ctx, snap))

	created, err := sagas.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)

	snap.State = string(domain.SagaStateCompensating)
	snap.Cursor = 2
	snap.ErrorLog = []string{"step CreditReceiver failed", `COMPENSATION FAILED: refund "rail" down`}
	require.NoError(t, sagas.UpsertSnapshot(ctx, snap))

	got, err := sagas.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.SagaStateCompensating), got.State)
	require.Equal(t, 2, got.Cursor)
	require.Equal(t, snap.ErrorLog, got.ErrorLog, "error log entries must survive array round trips, quotes included")
	require.Equal(t, snap.DataType, got.DataType)
	require.False(t, got.UpdatedAt.Before(created.UpdatedAt))
}

func TestSagaRepositoryIntegration_GetSnapshotAbsent(t *testing.T) {
	ctx := context.Background()
	sagas := NewSagaRepository(integrationDB)

	got, err := sagas.GetSnapshot(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, got)
}
