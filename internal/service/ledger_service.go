package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/domain"
	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

// LedgerResult classifies the outcome of an idempotent ledger operation.
type LedgerResult string

const (
	LedgerSuccess           LedgerResult = "success"
	LedgerIdempotentSuccess LedgerResult = "idempotent_success"
	LedgerConflict          LedgerResult = "conflict"
	LedgerRejected          LedgerResult = "rejected"
)

// RefundKeyPrefix derives the refund reference from the original debit
// reference, so a refund is idempotent under its own key.
const RefundKeyPrefix = "Refund_"

var (
	ErrLedgerStoreUnavail = infraerrors.ServiceUnavailable("LEDGER_STORE_UNAVAILABLE", "ledger store unavailable")

	// ErrDuplicateReference is returned by the repository when the unique
	// constraint on reference_id rejects an insert.
	ErrDuplicateReference = infraerrors.Conflict("LEDGER_DUPLICATE_REFERENCE", "ledger reference already exists")
)

type LedgerEntryRecord struct {
	ID          int64
	AccountID   string
	Amount      decimal.Decimal
	Type        domain.EntryType
	ReferenceID string
	Reason      *string
	CreatedAt   time.Time
}

type LedgerRepository interface {
	GetByReference(ctx context.Context, referenceID string) (*LedgerEntryRecord, error)
	BalanceFor(ctx context.Context, accountID string) (decimal.Decimal, error)
	Insert(ctx context.Context, entry *LedgerEntryRecord) error
}

// LedgerService applies debits and credits exactly once per reference key.
// Every operation behaves identically on the first call and on any replay
// with the same key; the unique constraint on reference_id is the last-resort
// serialization when two writers race.
type LedgerService struct {
	repo           LedgerRepository
	overdraftLimit decimal.Decimal
	// compensationAttempts is the total tries TryCompensateDebit gets before
	// giving up with Conflict, first attempt included.
	compensationAttempts uint64
}

func NewLedgerService(repo LedgerRepository, cfg *config.Config) *LedgerService {
	return &LedgerService{
		repo:                 repo,
		overdraftLimit:       cfg.Ledger.OverdraftLimitAmount(),
		compensationAttempts: uint64(cfg.Saga.CompensationMaxAttempts),
	}
}

// TryDebit withdraws amount from the account under the given reference key.
// Replays return IdempotentSuccess, a tombstoned key returns Rejected, and a
// balance that would sink below the overdraft limit returns Rejected.
func (s *LedgerService) TryDebit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (LedgerResult, error) {
	debit := amount.Abs()

	existing, err := s.repo.GetByReference(ctx, key)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}
	if existing != nil {
		return classifyForDebit(existing), nil
	}

	balance, err := s.repo.BalanceFor(ctx, accountID)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}
	if balance.Sub(debit).LessThan(s.overdraftLimit) {
		logger.L().Named("Ledger").Info("debit rejected by overdraft check",
			zap.String("account_id", accountID),
			zap.String("amount", debit.String()),
			zap.String("balance", balance.String()),
			zap.String("reference_id", key))
		return LedgerRejected, nil
	}

	entry := &LedgerEntryRecord{
		AccountID:   accountID,
		Amount:      debit.Neg(),
		Type:        domain.EntryTypeDebit,
		ReferenceID: key,
	}
	insErr := s.repo.Insert(ctx, entry)
	if insErr == nil {
		return LedgerSuccess, nil
	}
	if !errors.Is(insErr, ErrDuplicateReference) {
		return "", ErrLedgerStoreUnavail.WithCause(insErr)
	}

	// Lost the insert race: someone else wrote under this key first.
	// Re-read and classify whatever landed.
	existing, err = s.repo.GetByReference(ctx, key)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}
	if existing == nil {
		return LedgerConflict, nil
	}
	return classifyForDebit(existing), nil
}

// TryCredit deposits amount under the given reference key. There is no
// balance check; a tombstoned key returns Conflict rather than Rejected
// because a credit was never at risk of being aborted.
func (s *LedgerService) TryCredit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (LedgerResult, error) {
	existing, err := s.repo.GetByReference(ctx, key)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}
	if existing != nil {
		return classifyForCredit(existing), nil
	}

	entry := &LedgerEntryRecord{
		AccountID:   accountID,
		Amount:      amount.Abs(),
		Type:        domain.EntryTypeCredit,
		ReferenceID: key,
	}
	insErr := s.repo.Insert(ctx, entry)
	if insErr == nil {
		return LedgerSuccess, nil
	}
	if !errors.Is(insErr, ErrDuplicateReference) {
		return "", ErrLedgerStoreUnavail.WithCause(insErr)
	}

	existing, err = s.repo.GetByReference(ctx, key)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}
	if existing == nil {
		return LedgerConflict, nil
	}
	return classifyForCredit(existing), nil
}

// TryCompensateDebit reverses the debit written under originalKey, or
// tombstones the key if no debit ever arrived. Safe against every order of
// (debit arrives, compensation arrives, both retry): the refund is idempotent
// under its derived key, and the tombstone occupies originalKey so a delayed
// debit can never apply after compensation decided there was nothing to
// refund.
func (s *LedgerService) TryCompensateDebit(ctx context.Context, accountID string, amount decimal.Decimal, originalKey string) (LedgerResult, error) {
	refundKey := RefundKeyPrefix + originalKey

	var result LedgerResult
	backoff := retry.WithMaxRetries(s.compensationAttempts-1, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, attemptErr := s.compensateDebitOnce(ctx, accountID, amount, originalKey, refundKey)
		if attemptErr != nil {
			if errors.Is(attemptErr, ErrDuplicateReference) {
				// A racing writer occupied one of the keys; the next pass
				// re-reads and reacts to whatever landed.
				return retry.RetryableError(attemptErr)
			}
			return attemptErr
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			// Attempt budget exhausted while the keys kept moving under us.
			return LedgerConflict, nil
		}
		return "", err
	}
	return result, nil
}

func (s *LedgerService) compensateDebitOnce(ctx context.Context, accountID string, amount decimal.Decimal, originalKey, refundKey string) (LedgerResult, error) {
	original, err := s.repo.GetByReference(ctx, originalKey)
	if err != nil {
		return "", ErrLedgerStoreUnavail.WithCause(err)
	}

	if original == nil {
		// No debit landed yet. Tombstone the key so a delayed debit message
		// can never apply; a constraint violation here means a debit raced
		// in and the next pass will refund it instead.
		reason := "compensated before debit arrived"
		marker := &LedgerEntryRecord{
			AccountID:   accountID,
			Amount:      decimal.Zero,
			Type:        domain.EntryTypeAbortMarker,
			ReferenceID: originalKey,
			Reason:      &reason,
		}
		if insErr := s.repo.Insert(ctx, marker); insErr != nil {
			return "", insErr
		}
		logger.L().Named("Ledger").Info("abort marker written",
			zap.String("account_id", accountID),
			zap.String("reference_id", originalKey))
		return LedgerSuccess, nil
	}

	switch original.Type {
	case domain.EntryTypeAbortMarker:
		return LedgerIdempotentSuccess, nil
	case domain.EntryTypeDebit:
		refund, err := s.repo.GetByReference(ctx, refundKey)
		if err != nil {
			return "", ErrLedgerStoreUnavail.WithCause(err)
		}
		if refund != nil {
			if refund.Type == domain.EntryTypeCredit {
				return LedgerIdempotentSuccess, nil
			}
			return LedgerConflict, nil
		}
		reason := "refund of " + originalKey
		credit := &LedgerEntryRecord{
			AccountID:   accountID,
			Amount:      amount.Abs(),
			Type:        domain.EntryTypeCredit,
			ReferenceID: refundKey,
			Reason:      &reason,
		}
		if insErr := s.repo.Insert(ctx, credit); insErr != nil {
			return "", insErr
		}
		return LedgerSuccess, nil
	default:
		// A foreign credit occupies the debit key; refunding it would
		// double-pay.
		return LedgerConflict, nil
	}
}

func classifyForDebit(e *LedgerEntryRecord) LedgerResult {
	switch e.Type {
	case domain.EntryTypeDebit:
		return LedgerIdempotentSuccess
	case domain.EntryTypeAbortMarker:
		return LedgerRejected
	default:
		return LedgerConflict
	}
}

func classifyForCredit(e *LedgerEntryRecord) LedgerResult {
	if e.Type == domain.EntryTypeCredit {
		return LedgerIdempotentSuccess
	}
	return LedgerConflict
}
