package service

import (
	"context"
	"time"

	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
)

// ClaimResult is the outcome of a TryClaim call.
type ClaimResult string

const (
	ClaimAcquired        ClaimResult = "acquired"
	ClaimAlreadyConsumed ClaimResult = "already_consumed"
	ClaimLockedByOther   ClaimResult = "locked_by_other"
)

var ErrIdempotencyStoreUnavail = infraerrors.ServiceUnavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store unavailable")

type IdempotencyKeyRecord struct {
	Key         string
	IsConsumed  bool
	LockedBy    *string
	LockedUntil *time.Time
	CreatedAt   time.Time
}

type IdempotencyRepository interface {
	UpsertClaim(ctx context.Context, key, ownerID string, now, lockedUntil time.Time) (bool, error)
	GetKey(ctx context.Context, key string) (*IdempotencyKeyRecord, error)
	MarkConsumed(ctx context.Context, key, ownerID string) (bool, error)
}

// IdempotencyService implements lease-or-takeover claims on named keys. The
// lease model (rather than blocking locks) permits crash recovery without
// reaching the stalled worker; ownership verification on Complete prevents a
// stale, resumed worker from sealing over a newer holder's work.
type IdempotencyService struct {
	repo IdempotencyRepository
}

func NewIdempotencyService(repo IdempotencyRepository) *IdempotencyService {
	return &IdempotencyService{repo: repo}
}

// TryClaim atomically inserts the key or takes over an expired lease. The
// upsert-plus-predicate is a single round-trip; only the reason-for-refusal
// read afterwards is separate, which is acceptable because the caller's only
// reaction to a refusal is to stop.
func (s *IdempotencyService) TryClaim(ctx context.Context, key, ownerID string, ttl time.Duration) (ClaimResult, error) {
	now := time.Now()
	acquired, err := s.repo.UpsertClaim(ctx, key, ownerID, now, now.Add(ttl))
	if err != nil {
		return "", ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if acquired {
		return ClaimAcquired, nil
	}

	rec, err := s.repo.GetKey(ctx, key)
	if err != nil {
		return "", ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if rec == nil {
		// The row vanished between the refused upsert and this read; treat
		// it as contended and let the caller retry.
		return ClaimLockedByOther, nil
	}
	if rec.IsConsumed {
		return ClaimAlreadyConsumed, nil
	}
	return ClaimLockedByOther, nil
}

// Complete seals the key so every later TryClaim reports AlreadyConsumed.
// Only the current lease holder may seal; a holder whose lease was taken
// over gets ErrSagaLeaseLost. Sealing an already-consumed key succeeds.
func (s *IdempotencyService) Complete(ctx context.Context, key, ownerID string) error {
	sealed, err := s.repo.MarkConsumed(ctx, key, ownerID)
	if err != nil {
		return ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if sealed {
		return nil
	}

	consumed, err := s.IsConsumed(ctx, key)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}
	return ErrSagaLeaseLost.WithMetadata(map[string]string{"key": key, "owner": ownerID})
}

// IsConsumed reports whether the key has been sealed. Used for diagnostics
// and for Complete's idempotency resolution.
func (s *IdempotencyService) IsConsumed(ctx context.Context, key string) (bool, error) {
	rec, err := s.repo.GetKey(ctx, key)
	if err != nil {
		return false, ErrIdempotencyStoreUnavail.WithCause(err)
	}
	return rec != nil && rec.IsConsumed, nil
}
