package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/domain"
	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

// amlSingleTransferLimit caps a single transfer; larger amounts go through a
// manual review channel instead of this saga.
var amlSingleTransferLimit = decimal.NewFromInt(100000)

var (
	ErrTransferAMLLimit = infraerrors.BadRequest("TRANSFER_AML_LIMIT_EXCEEDED", "transfer amount exceeds the single-transfer limit")

	// ErrLedgerOperationRejected marks a permanent business rejection from
	// the ledger (overdraft, tombstoned key). It triggers compensation.
	ErrLedgerOperationRejected = infraerrors.BadRequest("LEDGER_OPERATION_REJECTED", "ledger rejected the operation")

	ErrLedgerCompensationConflict = infraerrors.Conflict("LEDGER_COMPENSATION_CONFLICT", "ledger compensation gave up after repeated conflicts")
)

// NewTransferSagaDefinition assembles the money-transfer saga: debit the
// sender, then credit the receiver. This is the composition root for the
// transfer data type; the steps arrive with the idempotency store and the
// ledger already wired in.
func NewTransferSagaDefinition(locks *IdempotencyService, ledger *LedgerService, cfg *config.Config) SagaDefinition {
	lease := cfg.Saga.StepLease()
	return SagaDefinition{
		DataType: domain.TransferDataType,
		NewData:  func() any { return new(domain.TransferData) },
		Steps: []domain.Step{
			&debitSenderStep{locks: locks, ledger: ledger, lease: lease},
			&creditReceiverStep{locks: locks, ledger: ledger, lease: lease},
		},
	}
}

func debitKey(sagaID uuid.UUID) string  { return fmt.Sprintf("Debit_%s", sagaID) }
func creditKey(sagaID uuid.UUID) string { return fmt.Sprintf("Credit_%s", sagaID) }

func transferData(data any) (*domain.TransferData, error) {
	d, ok := data.(*domain.TransferData)
	if !ok || d == nil {
		return nil, infraerrors.InternalServer("SAGA_DATA_TYPE_MISMATCH", "saga data is not transfer data")
	}
	return d, nil
}

// translateLedgerResult maps a ledger outcome onto the step error taxonomy:
// conflicts are transient, rejections are permanent.
func translateLedgerResult(result LedgerResult) error {
	switch result {
	case LedgerSuccess, LedgerIdempotentSuccess:
		return nil
	case LedgerConflict:
		return ErrSagaRetryLater.WithMetadata(map[string]string{"ledger_result": string(result)})
	default:
		return ErrLedgerOperationRejected
	}
}

type debitSenderStep struct {
	locks  *IdempotencyService
	ledger *LedgerService
	lease  time.Duration
}

func (s *debitSenderStep) Name() string { return "DebitSender" }

func (s *debitSenderStep) Execute(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}
	return runLockedStep(ctx, s.locks, s.Name(), d.SagaID, s.lease, func(ctx context.Context) error {
		result, err := s.ledger.TryDebit(ctx, d.FromUserID, d.Amount, debitKey(d.SagaID))
		if err != nil {
			return err
		}
		return translateLedgerResult(result)
	})
}

// Compensate refunds the sender, or tombstones the debit key if the debit
// never landed. No step lock here: TryCompensateDebit is idempotent on its
// own, and a lock would only add a second lease to lose.
func (s *debitSenderStep) Compensate(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}
	result, err := s.ledger.TryCompensateDebit(ctx, d.FromUserID, d.Amount, debitKey(d.SagaID))
	if err != nil {
		return err
	}
	switch result {
	case LedgerSuccess, LedgerIdempotentSuccess:
		return nil
	default:
		return ErrLedgerCompensationConflict
	}
}

type creditReceiverStep struct {
	locks  *IdempotencyService
	ledger *LedgerService
	lease  time.Duration
}

func (s *creditReceiverStep) Name() string { return "CreditReceiver" }

func (s *creditReceiverStep) Execute(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}
	if d.Amount.GreaterThan(amlSingleTransferLimit) {
		return ErrTransferAMLLimit.WithMetadata(map[string]string{"amount": d.Amount.String()})
	}
	return runLockedStep(ctx, s.locks, s.Name(), d.SagaID, s.lease, func(ctx context.Context) error {
		result, err := s.ledger.TryCredit(ctx, d.ToUserID, d.Amount, creditKey(d.SagaID))
		if err != nil {
			return err
		}
		return translateLedgerResult(result)
	})
}

// Compensate is a no-op: the credit is the final step, so nothing after it
// can fail and force it to be undone.
func (s *creditReceiverStep) Compensate(ctx context.Context, data any) error {
	d, err := transferData(data)
	if err != nil {
		return err
	}
	logger.L().Named("TransferSaga").Debug("credit compensation requested, nothing to undo",
		zap.String("saga_id", d.SagaID.String()))
	return nil
}
