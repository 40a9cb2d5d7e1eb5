package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/veltapay/sagaflow/internal/domain"
	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
)

// OutboxTypeStartSaga is the only outbox message type the engine produces;
// the repository writes one such row atomically with every new saga.
const OutboxTypeStartSaga = "StartSaga"

var (
	ErrSagaStoreUnavail = infraerrors.ServiceUnavailable("SAGA_STORE_UNAVAILABLE", "saga store unavailable")
	ErrSagaTypeUnknown  = infraerrors.BadRequest("SAGA_TYPE_UNKNOWN", "no saga definition registered for data type")

	// ErrSagaDataCorrupt means the persisted snapshot cannot be decoded.
	// There is no automated recovery from a corrupt snapshot.
	ErrSagaDataCorrupt = infraerrors.InternalServer("SAGA_DATA_CORRUPT", "saga snapshot data is corrupt")
)

// SagaSnapshot is the persisted form of a saga. State is kept as the raw
// stored string; Load is where unrecognized values fall back to Failed.
type SagaSnapshot struct {
	ID        uuid.UUID
	State     string
	Cursor    int
	DataJSON  []byte
	DataType  string
	ErrorLog  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SagaRepository interface {
	// CreateSaga inserts the snapshot and its StartSaga outbox row in one
	// transaction; on failure neither row exists.
	CreateSaga(ctx context.Context, snap *SagaSnapshot) error
	GetSnapshot(ctx context.Context, sagaID uuid.UUID) (*SagaSnapshot, error)
	UpsertSnapshot(ctx context.Context, snap *SagaSnapshot) error
}

// SagaDefinition binds a saga data type to its step sequence. Definitions are
// assembled once at the composition root with the idempotency store and
// ledger already wired into the steps.
type SagaDefinition struct {
	DataType string
	// NewData returns a fresh pointer value for decoding the snapshot's data.
	NewData func() any
	Steps   []domain.Step
}

// SagaService persists and rehydrates sagas. It owns the definition registry
// that maps a snapshot's data type to its concrete steps.
type SagaService struct {
	repo SagaRepository
	defs map[string]SagaDefinition
}

func NewSagaService(repo SagaRepository, defs []SagaDefinition) *SagaService {
	registry := make(map[string]SagaDefinition, len(defs))
	for _, def := range defs {
		registry[def.DataType] = def
	}
	return &SagaService{repo: repo, defs: registry}
}

// CreateSaga atomically persists a new saga in state Created together with
// the outbox row that will start it.
func (s *SagaService) CreateSaga(ctx context.Context, sagaID uuid.UUID, dataType string, data any) error {
	if _, ok := s.defs[dataType]; !ok {
		return ErrSagaTypeUnknown.WithMetadata(map[string]string{"data_type": dataType})
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrSagaDataCorrupt.WithCause(err)
	}

	snap := &SagaSnapshot{
		ID:       sagaID,
		State:    string(domain.SagaStateCreated),
		Cursor:   0,
		DataJSON: raw,
		DataType: dataType,
		ErrorLog: []string{},
	}
	if err := s.repo.CreateSaga(ctx, snap); err != nil {
		return ErrSagaStoreUnavail.WithCause(err)
	}
	return nil
}

// Load rehydrates the saga and attaches the step list for its data type.
// Returns nil without error when the saga does not exist. Unrecognized state
// strings rehydrate as Failed so compensation can still be attempted; a
// cursor past the end of the steps in a forward state heals to Completed.
func (s *SagaService) Load(ctx context.Context, sagaID uuid.UUID) (*domain.SagaInstance, error) {
	snap, err := s.repo.GetSnapshot(ctx, sagaID)
	if err != nil {
		return nil, ErrSagaStoreUnavail.WithCause(err)
	}
	if snap == nil {
		return nil, nil
	}

	def, ok := s.defs[snap.DataType]
	if !ok {
		return nil, ErrSagaTypeUnknown.WithMetadata(map[string]string{"data_type": snap.DataType})
	}

	data := def.NewData()
	if err := json.Unmarshal(snap.DataJSON, data); err != nil {
		return nil, ErrSagaDataCorrupt.WithCause(err)
	}

	state, _ := domain.ParseSagaState(snap.State)
	return domain.RestoreSagaInstance(sagaID, state, snap.Cursor, data, snap.DataType, snap.ErrorLog, def.Steps), nil
}

// Save upserts the instance's current snapshot. Called after every cursor
// change and state transition.
func (s *SagaService) Save(ctx context.Context, inst *domain.SagaInstance) error {
	raw, err := json.Marshal(inst.Data())
	if err != nil {
		return ErrSagaDataCorrupt.WithCause(err)
	}
	snap := &SagaSnapshot{
		ID:       inst.ID(),
		State:    string(inst.State()),
		Cursor:   inst.Cursor(),
		DataJSON: raw,
		DataType: inst.DataType(),
		ErrorLog: inst.ErrorLog(),
	}
	if err := s.repo.UpsertSnapshot(ctx, snap); err != nil {
		return ErrSagaStoreUnavail.WithCause(err)
	}
	return nil
}

// GetSnapshot exposes the raw snapshot for status reads; no step list is
// attached, so it works for data types with no registered definition.
func (s *SagaService) GetSnapshot(ctx context.Context, sagaID uuid.UUID) (*SagaSnapshot, error) {
	snap, err := s.repo.GetSnapshot(ctx, sagaID)
	if err != nil {
		return nil, ErrSagaStoreUnavail.WithCause(err)
	}
	return snap, nil
}
