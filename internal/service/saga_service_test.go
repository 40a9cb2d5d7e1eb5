package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/veltapay/sagaflow/internal/domain"
)

type inMemorySagaRepo struct {
	mu    sync.Mutex
	snaps map[uuid.UUID]*SagaSnapshot

	// outbox, when set, receives the StartSaga row CreateSaga writes in the
	// same transaction as the snapshot.
	outbox *inMemoryOutboxRepo

	failNext error
}

func newInMemorySagaRepo() *inMemorySagaRepo {
	return &inMemorySagaRepo{snaps: make(map[uuid.UUID]*SagaSnapshot)}
}

func cloneSnapshot(in *SagaSnapshot) *SagaSnapshot {
	if in == nil {
		return nil
	}
	out := *in
	out.DataJSON = append([]byte(nil), in.DataJSON...)
	out.ErrorLog = append([]string(nil), in.ErrorLog...)
	return &out
}

func (r *inMemorySagaRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *inMemorySagaRepo) CreateSaga(_ context.Context, snap *SagaSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	stored := cloneSnapshot(snap)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.snaps[snap.ID] = stored
	if r.outbox != nil {
		payload, _ := sjson.SetBytes([]byte(`{}`), "SagaId", snap.ID.String())
		r.outbox.seed(&OutboxMessageRecord{
			ID:        uuid.New(),
			Type:      OutboxTypeStartSaga,
			Payload:   payload,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

func (r *inMemorySagaRepo) GetSnapshot(_ context.Context, sagaID uuid.UUID) (*SagaSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	return cloneSnapshot(r.snaps[sagaID]), nil
}

func (r *inMemorySagaRepo) UpsertSnapshot(_ context.Context, snap *SagaSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	stored := cloneSnapshot(snap)
	if existing, ok := r.snaps[snap.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	r.snaps[snap.ID] = stored
	return nil
}

// seed stores a snapshot directly.
func (r *inMemorySagaRepo) seed(snap *SagaSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := cloneSnapshot(snap)
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.snaps[snap.ID] = stored
}

func testSagaDefinition(steps ...domain.Step) SagaDefinition {
	return SagaDefinition{
		DataType: domain.TransferDataType,
		NewData:  func() any { return new(domain.TransferData) },
		Steps:    steps,
	}
}

func newTransferData() *domain.TransferData {
	return &domain.TransferData{
		SagaID:     uuid.New(),
		FromUserID: "alice",
		ToUserID:   "bob",
		Amount:     decimal.NewFromInt(100),
	}
}

func TestSagaService_CreateSagaPersistsSnapshotAndOutboxRow(t *testing.T) {
	outbox := newInMemoryOutboxRepo()
	repo := newInMemorySagaRepo()
	repo.outbox = outbox
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	snap, err := svc.GetSnapshot(context.Background(), data.SagaID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, string(domain.SagaStateCreated), snap.State)
	require.Equal(t, 0, snap.Cursor)
	require.Equal(t, domain.TransferDataType, snap.DataType)
	require.Empty(t, snap.ErrorLog)

	msgs := outbox.all()
	require.Len(t, msgs, 1)
	require.Equal(t, OutboxTypeStartSaga, msgs[0].Type)
	require.Equal(t, data.SagaID.String(), gjson.GetBytes(msgs[0].Payload, "SagaId").String())
}

func TestSagaService_CreateSagaUnknownType(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	err := svc.CreateSaga(context.Background(), uuid.New(), "NoSuchType", map[string]any{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSagaTypeUnknown)
	require.Empty(t, repo.snaps)
}

func TestSagaService_LoadRoundTrip(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"}, &recordingStep{name: "B"})})

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	inst, err := svc.Load(context.Background(), data.SagaID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, domain.SagaStateCreated, inst.State())
	require.Equal(t, 0, inst.Cursor())
	require.Equal(t, 2, inst.StepCount())

	decoded, ok := inst.Data().(*domain.TransferData)
	require.True(t, ok)
	require.Equal(t, data.SagaID, decoded.SagaID)
	require.Equal(t, "alice", decoded.FromUserID)
	require.Equal(t, "bob", decoded.ToUserID)
	require.True(t, decoded.Amount.Equal(decimal.NewFromInt(100)))
}

func TestSagaService_LoadAbsentSaga(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	inst, err := svc.Load(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, inst)
}

func TestSagaService_LoadUnknownStateFallsBackToFailed(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	id := uuid.New()
	repo.seed(&SagaSnapshot{
		ID:       id,
		State:    "Exploded",
		Cursor:   1,
		DataJSON: []byte(`{"saga_id":"` + id.String() + `","from_user_id":"alice","to_user_id":"bob","amount":"100"}`),
		DataType: domain.TransferDataType,
	})

	inst, err := svc.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, domain.SagaStateFailed, inst.State())
}

func TestSagaService_LoadHealsOverrunCursor(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"}, &recordingStep{name: "B"})})

	id := uuid.New()
	repo.seed(&SagaSnapshot{
		ID:       id,
		State:    string(domain.SagaStateRunning),
		Cursor:   2,
		DataJSON: []byte(`{"saga_id":"` + id.String() + `","from_user_id":"alice","to_user_id":"bob","amount":"100"}`),
		DataType: domain.TransferDataType,
	})

	inst, err := svc.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, domain.SagaStateCompleted, inst.State())
	require.True(t, inst.IsTerminal())
}

func TestSagaService_LoadCorruptData(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	id := uuid.New()
	repo.seed(&SagaSnapshot{
		ID:       id,
		State:    string(domain.SagaStateRunning),
		Cursor:   0,
		DataJSON: []byte(`{"amount":`),
		DataType: domain.TransferDataType,
	})

	_, err := svc.Load(context.Background(), id)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSagaDataCorrupt)
}

func TestSagaService_SaveRoundTrip(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"}, &recordingStep{name: "B"})})

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	inst, err := svc.Load(context.Background(), data.SagaID)
	require.NoError(t, err)
	inst.MarkRunning()
	inst.Advance()
	require.NoError(t, svc.Save(context.Background(), inst))

	snap, err := svc.GetSnapshot(context.Background(), data.SagaID)
	require.NoError(t, err)
	require.Equal(t, string(domain.SagaStateRunning), snap.State)
	require.Equal(t, 1, snap.Cursor)
}

func TestSagaService_StoreOutage(t *testing.T) {
	repo := newInMemorySagaRepo()
	svc := NewSagaService(repo, []SagaDefinition{testSagaDefinition(&recordingStep{name: "A"})})

	repo.failNext = errors.New("connection refused")
	_, err := svc.Load(context.Background(), uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSagaStoreUnavail)
}
