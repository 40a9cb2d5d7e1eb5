package service

import (
	"errors"

	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
)

// Two recoverable error kinds cross component boundaries. The outbox worker
// keys its retry dispositions off them, so they must stay recognizable by
// errors.Is rather than by message text.
var (
	// ErrSagaRetryLater signals a transient conflict: a lease held elsewhere
	// or an optimistic ledger collision. State is saved and the message is
	// retried after a short delay without burning an attempt.
	ErrSagaRetryLater = infraerrors.ServiceUnavailable("SAGA_RETRY_LATER", "transient conflict, retry later")

	// ErrSagaLeaseLost signals that a lease expired while its holder was
	// still working. Domain idempotency makes re-execution safe, so the
	// message is retried after a moderate delay and the attempt is counted.
	ErrSagaLeaseLost = infraerrors.Conflict("SAGA_LEASE_LOST", "lease expired during work")
)

func IsRetryLater(err error) bool { return errors.Is(err, ErrSagaRetryLater) }

func IsLeaseLost(err error) bool { return errors.Is(err, ErrSagaLeaseLost) }
