package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// runLockedStep wraps an effect in the canonical per-step idempotency
// pattern: claim the technical step lock, run the effect (which must carry
// its own domain-level key so it stays safe across lease expiry), then seal
// the lock. The lock is deliberately not released on failure; takeover
// happens through lease expiry.
func runLockedStep(ctx context.Context, locks *IdempotencyService, stepName string, sagaID uuid.UUID, lease time.Duration, fn func(context.Context) error) error {
	lockKey := stepLockKey(stepName, sagaID)
	owner := uuid.NewString()

	claim, err := locks.TryClaim(ctx, lockKey, owner, lease)
	if err != nil {
		return err
	}
	switch claim {
	case ClaimAlreadyConsumed:
		// A previous attempt finished this step.
		return nil
	case ClaimLockedByOther:
		return ErrSagaRetryLater.WithMetadata(map[string]string{"lock": lockKey})
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return locks.Complete(ctx, lockKey, owner)
}

func stepLockKey(stepName string, sagaID uuid.UUID) string {
	return fmt.Sprintf("%s_Step_Lock_%s", stepName, sagaID)
}
