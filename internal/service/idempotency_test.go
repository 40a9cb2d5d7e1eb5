package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type inMemoryIdempotencyRepo struct {
	mu   sync.Mutex
	data map[string]*IdempotencyKeyRecord

	failNext error
}

func newInMemoryIdempotencyRepo() *inMemoryIdempotencyRepo {
	return &inMemoryIdempotencyRepo{data: make(map[string]*IdempotencyKeyRecord)}
}

func cloneKeyRecord(in *IdempotencyKeyRecord) *IdempotencyKeyRecord {
	if in == nil {
		return nil
	}
	out := *in
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

func (r *inMemoryIdempotencyRepo) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *inMemoryIdempotencyRepo) UpsertClaim(_ context.Context, key, ownerID string, now, lockedUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return false, err
	}

	rec, ok := r.data[key]
	if !ok {
		r.data[key] = &IdempotencyKeyRecord{
			Key:         key,
			LockedBy:    &ownerID,
			LockedUntil: &lockedUntil,
			CreatedAt:   now,
		}
		return true, nil
	}
	if rec.IsConsumed {
		return false, nil
	}
	if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
		return false, nil
	}
	rec.LockedBy = &ownerID
	rec.LockedUntil = &lockedUntil
	return true, nil
}

func (r *inMemoryIdempotencyRepo) GetKey(_ context.Context, key string) (*IdempotencyKeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return nil, err
	}
	return cloneKeyRecord(r.data[key]), nil
}

func (r *inMemoryIdempotencyRepo) MarkConsumed(_ context.Context, key, ownerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return false, err
	}

	rec, ok := r.data[key]
	if !ok || rec.IsConsumed {
		return false, nil
	}
	if rec.LockedBy == nil || *rec.LockedBy != ownerID {
		return false, nil
	}
	rec.IsConsumed = true
	rec.LockedBy = nil
	rec.LockedUntil = nil
	return true, nil
}

// expireLease rewinds the lease so another owner can take over.
func (r *inMemoryIdempotencyRepo) expireLease(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.data[key]; ok && rec.LockedUntil != nil {
		past := time.Now().Add(-time.Minute)
		rec.LockedUntil = &past
	}
}

func TestIdempotencyService_TryClaimNewKey(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	result, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)

	rec, err := repo.GetKey(context.Background(), "Step_Lock_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.False(t, rec.IsConsumed)
	require.NotNil(t, rec.LockedBy)
	require.Equal(t, "owner-a", *rec.LockedBy)
}

func TestIdempotencyService_TryClaimHeldLease(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)

	result, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimLockedByOther, result)
}

func TestIdempotencyService_TryClaimExpiredLeaseTakeover(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)
	repo.expireLease("Step_Lock_1")

	result, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)

	rec, err := repo.GetKey(context.Background(), "Step_Lock_1")
	require.NoError(t, err)
	require.Equal(t, "owner-b", *rec.LockedBy)
}

func TestIdempotencyService_TryClaimConsumedKey(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(context.Background(), "Step_Lock_1", "owner-a"))

	result, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAlreadyConsumed, result)
}

func TestIdempotencyService_CompleteRequiresOwnership(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)

	// Takeover after expiry: the original owner must not be able to seal.
	repo.expireLease("Step_Lock_1")
	result, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, result)

	err = svc.Complete(context.Background(), "Step_Lock_1", "owner-a")
	require.Error(t, err)
	require.True(t, IsLeaseLost(err))

	require.NoError(t, svc.Complete(context.Background(), "Step_Lock_1", "owner-b"))
}

func TestIdempotencyService_CompleteIdempotentOnConsumedKey(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(context.Background(), "Step_Lock_1", "owner-a"))

	// Sealing a key that is already consumed is a success for any caller.
	require.NoError(t, svc.Complete(context.Background(), "Step_Lock_1", "owner-a"))
	require.NoError(t, svc.Complete(context.Background(), "Step_Lock_1", "owner-b"))

	consumed, err := svc.IsConsumed(context.Background(), "Step_Lock_1")
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestIdempotencyService_StoreOutage(t *testing.T) {
	repo := newInMemoryIdempotencyRepo()
	svc := NewIdempotencyService(repo)

	repo.failNext = errors.New("connection refused")
	_, err := svc.TryClaim(context.Background(), "Step_Lock_1", "owner-a", time.Minute)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrIdempotencyStoreUnavail)

	repo.failNext = errors.New("connection refused")
	err = svc.Complete(context.Background(), "Step_Lock_1", "owner-a")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrIdempotencyStoreUnavail)
}
