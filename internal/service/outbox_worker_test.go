package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/domain"
)

type inMemoryOutboxRepo struct {
	mu    sync.Mutex
	msgs  map[uuid.UUID]*OutboxMessageRecord
	order []uuid.UUID

	claimDenied bool
	failNext    error
}

func newInMemoryOutboxRepo() *inMemoryOutboxRepo {
	return &inMemoryOutboxRepo{msgs: make(map[uuid.UUID]*OutboxMessageRecord)}
}

func cloneOutboxMessage(in *OutboxMessageRecord) *OutboxMessageRecord {
	if in == nil {
		return nil
	}
	out := *in
	out.Payload = append([]byte(nil), in.Payload...)
	if in.ProcessedAt != nil {
		v := *in.ProcessedAt
		out.ProcessedAt = &v
	}
	if in.LastError != nil {
		v := *in.LastError
		out.LastError = &v
	}
	if in.LockedBy != nil {
		v := *in.LockedBy
		out.LockedBy = &v
	}
	if in.LockedUntil != nil {
		v := *in.LockedUntil
		out.LockedUntil = &v
	}
	return &out
}

func outboxDispatchable(msg *OutboxMessageRecord, now time.Time) bool {
	if msg.ProcessedAt != nil {
		return false
	}
	return msg.LockedUntil == nil || !msg.LockedUntil.After(now)
}

func (r *inMemoryOutboxRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *inMemoryOutboxRepo) ScoutCandidate(_ context.Context, now time.Time) (uuid.UUID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return uuid.Nil, false, err
	}
	for _, id := range r.order {
		if outboxDispatchable(r.msgs[id], now) {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (r *inMemoryOutboxRepo) Claim(_ context.Context, id uuid.UUID, workerID string, now, lockedUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return false, err
	}
	if r.claimDenied {
		return false, nil
	}
	msg, ok := r.msgs[id]
	if !ok || !outboxDispatchable(msg, now) {
		return false, nil
	}
	msg.LockedBy = &workerID
	msg.LockedUntil = &lockedUntil
	return true, nil
}

func (r *inMemoryOutboxRepo) GetByID(_ context.Context, id uuid.UUID) (*OutboxMessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	return cloneOutboxMessage(r.msgs[id]), nil
}

func (r *inMemoryOutboxRepo) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	if msg, ok := r.msgs[id]; ok {
		msg.ProcessedAt = &processedAt
		msg.LockedBy = nil
		msg.LockedUntil = nil
	}
	return nil
}

func (r *inMemoryOutboxRepo) Release(_ context.Context, id uuid.UUID, visibleAt time.Time, lastError string, incrementAttempt bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	msg, ok := r.msgs[id]
	if !ok {
		return nil
	}
	msg.LockedBy = nil
	msg.LockedUntil = &visibleAt
	msg.LastError = &lastError
	if incrementAttempt {
		msg.AttemptCount++
	}
	return nil
}

func (r *inMemoryOutboxRepo) DeleteProcessedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(limit, func(msg *OutboxMessageRecord) bool {
		return msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff)
	}), nil
}

func (r *inMemoryOutboxRepo) DeleteExhaustedBefore(_ context.Context, cutoff time.Time, maxAttempts, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(limit, func(msg *OutboxMessageRecord) bool {
		return msg.ProcessedAt == nil && msg.AttemptCount >= maxAttempts && msg.CreatedAt.Before(cutoff)
	}), nil
}

func (r *inMemoryOutboxRepo) deleteWhere(limit int, match func(*OutboxMessageRecord) bool) int64 {
	var deleted int64
	kept := r.order[:0]
	for _, id := range r.order {
		if deleted < int64(limit) && match(r.msgs[id]) {
			delete(r.msgs, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return deleted
}

// seed stores a message, preserving arrival order.
func (r *inMemoryOutboxRepo) seed(msg *OutboxMessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := cloneOutboxMessage(msg)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.msgs[stored.ID] = stored
	r.order = append(r.order, stored.ID)
}

func (r *inMemoryOutboxRepo) all() []*OutboxMessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*OutboxMessageRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneOutboxMessage(r.msgs[id]))
	}
	return out
}

func (r *inMemoryOutboxRepo) get(id uuid.UUID) *OutboxMessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOutboxMessage(r.msgs[id])
}

// rewindVisibility makes a released message dispatchable right away.
func (r *inMemoryOutboxRepo) rewindVisibility(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.msgs[id]; ok && msg.LockedUntil != nil {
		past := time.Now().Add(-time.Minute)
		msg.LockedUntil = &past
	}
}

func workerTestConfig() *config.Config {
	return &config.Config{
		Outbox: config.OutboxConfig{
			WorkerCount:                   1,
			EmptyQueueDelaySeconds:        1,
			LeaseTTLSeconds:               30,
			TransientConflictDelaySeconds: 2,
			MaxAttemptsBeforeDLQ:          10,
		},
	}
}

func newWorkerHarness(t *testing.T, steps ...domain.Step) (*inMemoryOutboxRepo, *inMemorySagaRepo, *SagaService, *OutboxWorkerPool) {
	t.Helper()
	outbox := newInMemoryOutboxRepo()
	sagaRepo := newInMemorySagaRepo()
	sagaRepo.outbox = outbox
	svc := NewSagaService(sagaRepo, []SagaDefinition{testSagaDefinition(steps...)})
	pool := NewOutboxWorkerPool(outbox, svc, NewSagaCoordinator(svc), workerTestConfig())
	return outbox, sagaRepo, svc, pool
}

func TestOutboxWorkerPool_ProcessesStartSagaMessage(t *testing.T) {
	stepA := &recordingStep{name: "A"}
	outbox, _, svc, pool := newWorkerHarness(t, stepA)

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	delay, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, delay)

	require.Equal(t, 1, stepA.executeCalls)
	requirePersistedState(t, svc, data.SagaID, domain.SagaStateCompleted)

	msgs := outbox.all()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ProcessedAt)
	require.Zero(t, msgs[0].AttemptCount)
}

func TestOutboxWorkerPool_EmptyQueueBacksOff(t *testing.T) {
	_, _, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	delay, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, time.Second, delay)
}

func TestOutboxWorkerPool_LostClaimRace(t *testing.T) {
	stepA := &recordingStep{name: "A"}
	outbox, _, svc, pool := newWorkerHarness(t, stepA)

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))
	outbox.claimDenied = true

	delay, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, delay, "a lost race costs no sleep")
	require.Zero(t, stepA.executeCalls)

	msg := outbox.all()[0]
	require.Nil(t, msg.ProcessedAt)
	require.Zero(t, msg.AttemptCount)
}

func TestOutboxWorkerPool_TransientConflictDisposition(t *testing.T) {
	stepA := &recordingStep{name: "A", executeErrs: []error{ErrSagaRetryLater}}
	outbox, _, svc, pool := newWorkerHarness(t, stepA)

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	before := time.Now()
	delay, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, delay)

	msg := outbox.all()[0]
	require.Nil(t, msg.ProcessedAt)
	require.Zero(t, msg.AttemptCount, "a transient conflict burns no attempt")
	require.Nil(t, msg.LockedBy)
	require.NotNil(t, msg.LockedUntil)
	require.WithinDuration(t, before.Add(2*time.Second), *msg.LockedUntil, time.Second)
	require.NotNil(t, msg.LastError)
	require.Contains(t, *msg.LastError, "SAGA_RETRY_LATER")

	// Once visible again the message completes normally.
	outbox.rewindVisibility(msg.ID)
	delay, err = pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, delay)
	requirePersistedState(t, svc, data.SagaID, domain.SagaStateCompleted)
	require.NotNil(t, outbox.all()[0].ProcessedAt)
}

func TestOutboxWorkerPool_LostLeaseDisposition(t *testing.T) {
	stepA := &recordingStep{name: "A", executeErrs: []error{ErrSagaLeaseLost}}
	outbox, _, svc, pool := newWorkerHarness(t, stepA)

	data := newTransferData()
	require.NoError(t, svc.CreateSaga(context.Background(), data.SagaID, domain.TransferDataType, data))

	before := time.Now()
	_, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)

	msg := outbox.all()[0]
	require.Nil(t, msg.ProcessedAt)
	require.Equal(t, 1, msg.AttemptCount, "a lost lease counts against the budget")
	require.NotNil(t, msg.LockedUntil)
	require.WithinDuration(t, before.Add(5*time.Second), *msg.LockedUntil, time.Second)
}

func TestOutboxWorkerPool_InfrastructureFailureBacksOffLinearly(t *testing.T) {
	outbox, sagaRepo, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	// A snapshot that cannot be decoded is an infrastructure-grade failure:
	// the dispatch errors out and the message is retried with backoff.
	id := uuid.New()
	sagaRepo.seed(&SagaSnapshot{
		ID:       id,
		State:    string(domain.SagaStateCreated),
		Cursor:   0,
		DataJSON: []byte(`{"amount":`),
		DataType: domain.TransferDataType,
	})
	msgID := uuid.New()
	outbox.seed(&OutboxMessageRecord{
		ID:      msgID,
		Type:    OutboxTypeStartSaga,
		Payload: []byte(`{"SagaId":"` + id.String() + `"}`),
	})

	before := time.Now()
	_, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)

	msg := outbox.get(msgID)
	require.Nil(t, msg.ProcessedAt)
	require.Equal(t, 1, msg.AttemptCount)
	require.NotNil(t, msg.LockedUntil)
	require.WithinDuration(t, before.Add(5*time.Second), *msg.LockedUntil, time.Second)
	require.Contains(t, *msg.LastError, "SAGA_DATA_CORRUPT")
}

func TestOutboxWorkerPool_AttemptBudgetExceededKeepsMessage(t *testing.T) {
	outbox, sagaRepo, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	id := uuid.New()
	sagaRepo.seed(&SagaSnapshot{
		ID:       id,
		State:    string(domain.SagaStateCreated),
		Cursor:   0,
		DataJSON: []byte(`{"amount":`),
		DataType: domain.TransferDataType,
	})
	msgID := uuid.New()
	outbox.seed(&OutboxMessageRecord{
		ID:           msgID,
		Type:         OutboxTypeStartSaga,
		Payload:      []byte(`{"SagaId":"` + id.String() + `"}`),
		AttemptCount: 9,
	})

	_, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)

	// Crossing the budget only warns; the message stays queued for an
	// operator rather than being dropped or parked in a separate queue.
	msg := outbox.get(msgID)
	require.Nil(t, msg.ProcessedAt)
	require.Equal(t, 10, msg.AttemptCount)
}

func TestOutboxWorkerPool_MalformedPayloadDropped(t *testing.T) {
	outbox, _, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	msgID := uuid.New()
	outbox.seed(&OutboxMessageRecord{ID: msgID, Type: OutboxTypeStartSaga, Payload: []byte(`{"foo":1}`)})

	delay, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.Zero(t, delay)
	require.NotNil(t, outbox.get(msgID).ProcessedAt, "a payload that can never parse is marked processed")
}

func TestOutboxWorkerPool_UnknownTypeDropped(t *testing.T) {
	outbox, _, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	msgID := uuid.New()
	outbox.seed(&OutboxMessageRecord{ID: msgID, Type: "Mystery", Payload: []byte(`{}`)})

	_, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, outbox.get(msgID).ProcessedAt)
}

func TestOutboxWorkerPool_MissingSagaDropped(t *testing.T) {
	outbox, _, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	msgID := uuid.New()
	outbox.seed(&OutboxMessageRecord{
		ID:      msgID,
		Type:    OutboxTypeStartSaga,
		Payload: []byte(`{"SagaId":"` + uuid.NewString() + `"}`),
	})

	_, err := pool.processNext(context.Background(), "w1", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, outbox.get(msgID).ProcessedAt)
}

func TestOutboxWorkerPool_StartStop(t *testing.T) {
	_, _, _, pool := newWorkerHarness(t, &recordingStep{name: "A"})

	pool.Start()
	pool.Start() // idempotent
	pool.Stop()
	pool.Stop()
}

func TestFailureBackoff(t *testing.T) {
	require.Equal(t, 5*time.Second, failureBackoff(0))
	require.Equal(t, 10*time.Second, failureBackoff(1))
	require.Equal(t, 60*time.Second, failureBackoff(11))
	require.Equal(t, 60*time.Second, failureBackoff(100))
}

func TestTruncateLastError(t *testing.T) {
	short := "boom"
	require.Equal(t, short, truncateLastError(short))

	long := strings.Repeat("界", 600)
	truncated := truncateLastError(long)
	require.Equal(t, 500, len([]rune(truncated)))
}
