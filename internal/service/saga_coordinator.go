package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

// SagaCoordinator drives one saga instance to quiescence: forward through
// its steps, or in reverse through compensation once a step fails
// permanently. The outbox lease guarantees at most one coordinator runs a
// given saga at a time, so the coordinator itself holds no locks.
type SagaCoordinator struct {
	sagas *SagaService
}

func NewSagaCoordinator(sagas *SagaService) *SagaCoordinator {
	return &SagaCoordinator{sagas: sagas}
}

// Process resumes the instance from whatever state it was persisted in. It
// returns nil when the saga reached a terminal state, or the recoverable
// error (ErrSagaRetryLater, ErrSagaLeaseLost) that interrupted it; the
// caller decides how to re-queue. On cancellation the current snapshot stays
// consistent because the cursor only advances after a step succeeds and the
// snapshot is saved.
func (c *SagaCoordinator) Process(ctx context.Context, inst *domain.SagaInstance) error {
	if inst == nil || inst.IsTerminal() {
		return nil
	}

	log := logger.L().Named("SagaCoordinator").With(zap.String("saga_id", inst.ID().String()))

	// A saga persisted mid-compensation (or left in Failed by an unknown
	// state fallback) jumps straight back into the reverse loop.
	if inst.State() == domain.SagaStateCompensating || inst.State() == domain.SagaStateFailed {
		return c.compensate(ctx, inst, log)
	}

	if inst.State() == domain.SagaStateCreated {
		inst.MarkRunning()
		if err := c.sagas.Save(ctx, inst); err != nil {
			return err
		}
	}

	for !inst.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := inst.CurrentStep()
		if step == nil {
			// Cursor already at the end of the step list; close the saga out.
			inst.Advance()
			return c.sagas.Save(ctx, inst)
		}

		execErr := step.Execute(ctx, inst.Data())
		if execErr == nil {
			inst.Advance()
			if err := c.sagas.Save(ctx, inst); err != nil {
				return err
			}
			continue
		}

		if IsRetryLater(execErr) || IsLeaseLost(execErr) {
			if err := c.sagas.Save(ctx, inst); err != nil {
				return err
			}
			return execErr
		}
		if ctx.Err() != nil {
			// Canceled mid-step; not a permanent failure.
			return ctx.Err()
		}

		log.Warn("step failed, starting compensation",
			zap.String("step", step.Name()),
			zap.Int("cursor", inst.Cursor()),
			zap.Error(execErr))
		inst.Fail(execErr.Error())
		inst.MarkCompensating()
		if err := c.sagas.Save(ctx, inst); err != nil {
			return err
		}
		return c.compensate(ctx, inst, log)
	}

	return nil
}

// compensate walks the executed steps in reverse. A recoverable error
// suspends the whole loop for a later retry; any other error is recorded and
// the loop continues with earlier steps, compensating as much as possible
// before the saga is parked in FatalError for manual review.
func (c *SagaCoordinator) compensate(ctx context.Context, inst *domain.SagaInstance, log *zap.Logger) error {
	if inst.State() == domain.SagaStateFailed {
		inst.MarkCompensating()
		if err := c.sagas.Save(ctx, inst); err != nil {
			return err
		}
	}

	compensationFailed := false
	for _, indexed := range inst.ExecutedStepsReverse() {
		if err := ctx.Err(); err != nil {
			if saveErr := c.sagas.Save(ctx, inst); saveErr != nil {
				return saveErr
			}
			return err
		}

		compErr := indexed.Step.Compensate(ctx, inst.Data())
		if compErr == nil {
			continue
		}

		if IsRetryLater(compErr) || IsLeaseLost(compErr) {
			// Suspend; the reverse iteration is deterministic, so the retry
			// re-examines every executed step from the top.
			if err := c.sagas.Save(ctx, inst); err != nil {
				return err
			}
			return compErr
		}
		if ctx.Err() != nil {
			if saveErr := c.sagas.Save(ctx, inst); saveErr != nil {
				return saveErr
			}
			return ctx.Err()
		}

		log.Warn("compensation failed, continuing with earlier steps",
			zap.String("step", indexed.Step.Name()),
			zap.Int("index", indexed.Index),
			zap.Error(compErr))
		inst.AppendError("COMPENSATION FAILED: " + compErr.Error())
		compensationFailed = true
	}

	if compensationFailed {
		inst.MarkFatal("Manual review required")
		log.Error("saga parked for manual review", zap.Strings("error_log", inst.ErrorLog()))
	} else {
		inst.MarkCompensated()
	}
	return c.sagas.Save(ctx, inst)
}
