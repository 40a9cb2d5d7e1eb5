package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

const (
	// lostLeaseDelay is how long a message stays invisible after its worker
	// reported a lost lease.
	lostLeaseDelay = 5 * time.Second
	// loopErrorDelay is the pause after an iteration-level failure such as a
	// lost store connection.
	loopErrorDelay = 5 * time.Second
	// maxLastErrorLen caps what gets persisted into last_error.
	maxLastErrorLen = 500
)

type OutboxMessageRecord struct {
	ID           uuid.UUID
	Type         string
	Payload      []byte
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	AttemptCount int
	LastError    *string
	LockedBy     *string
	LockedUntil  *time.Time
}

type OutboxRepository interface {
	// ScoutCandidate returns the oldest dispatchable message id, if any.
	ScoutCandidate(ctx context.Context, now time.Time) (uuid.UUID, bool, error)
	// Claim conditionally leases the message; false means another worker won.
	Claim(ctx context.Context, id uuid.UUID, workerID string, now, lockedUntil time.Time) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*OutboxMessageRecord, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	// Release frees the lease, schedules the next visibility, records the
	// error, and optionally counts the attempt.
	Release(ctx context.Context, id uuid.UUID, visibleAt time.Time, lastError string, incrementAttempt bool) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteExhaustedBefore(ctx context.Context, cutoff time.Time, maxAttempts, limit int) (int64, error)
}

// OutboxWorkerPool runs N long-lived workers that drain the outbox. Workers
// coordinate only through atomic store operations, so any number of pool
// instances across processes is safe.
type OutboxWorkerPool struct {
	outbox      OutboxRepository
	sagas       *SagaService
	coordinator *SagaCoordinator

	workerCount            int
	emptyQueueDelay        time.Duration
	leaseTTL               time.Duration
	transientConflictDelay time.Duration
	maxAttemptsBeforeDLQ   int

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewOutboxWorkerPool(outbox OutboxRepository, sagas *SagaService, coordinator *SagaCoordinator, cfg *config.Config) *OutboxWorkerPool {
	return &OutboxWorkerPool{
		outbox:                 outbox,
		sagas:                  sagas,
		coordinator:            coordinator,
		workerCount:            cfg.Outbox.WorkerCount,
		emptyQueueDelay:        cfg.Outbox.EmptyQueueDelay(),
		leaseTTL:               cfg.Outbox.LeaseTTL(),
		transientConflictDelay: cfg.Outbox.TransientConflictDelay(),
		maxAttemptsBeforeDLQ:   cfg.Outbox.MaxAttemptsBeforeDLQ,
	}
}

func (p *OutboxWorkerPool) Start() {
	if p == nil || p.outbox == nil {
		return
	}
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel

		host, _ := os.Hostname()
		for i := 0; i < p.workerCount; i++ {
			workerID := fmt.Sprintf("%s-outbox-%d-%s", host, i, uuid.NewString()[:8])
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.runWorker(ctx, workerID)
			}()
		}
		logger.LegacyPrintf("service.outbox_worker", "[OutboxWorker] started workers=%d lease_ttl=%s", p.workerCount, p.leaseTTL)
	})
}

func (p *OutboxWorkerPool) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		logger.LegacyPrintf("service.outbox_worker", "[OutboxWorker] stopped")
	})
}

func (p *OutboxWorkerPool) runWorker(ctx context.Context, workerID string) {
	log := logger.L().Named("OutboxWorker").With(zap.String("worker_id", workerID))
	for {
		if ctx.Err() != nil {
			return
		}
		delay, err := p.processNext(ctx, workerID, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("outbox iteration failed", zap.Error(err))
			delay = loopErrorDelay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// processNext runs one scout-claim-dispatch-finalize iteration. The returned
// delay is how long the worker should sleep before the next one; zero means
// go again immediately (a lost claim race resolves fastest that way).
func (p *OutboxWorkerPool) processNext(ctx context.Context, workerID string, log *zap.Logger) (time.Duration, error) {
	now := time.Now()

	candidateID, found, err := p.outbox.ScoutCandidate(ctx, now)
	if err != nil {
		return 0, err
	}
	if !found {
		return p.emptyQueueDelay, nil
	}

	claimed, err := p.outbox.Claim(ctx, candidateID, workerID, now, now.Add(p.leaseTTL))
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}

	msg, err := p.outbox.GetByID(ctx, candidateID)
	if err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, nil
	}

	dispatchErr := p.dispatch(ctx, msg, log)
	if dispatchErr == nil {
		if err := p.outbox.MarkProcessed(ctx, msg.ID, time.Now()); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return 0, p.releaseAfterFailure(ctx, msg, dispatchErr, log)
}

func (p *OutboxWorkerPool) dispatch(ctx context.Context, msg *OutboxMessageRecord, log *zap.Logger) error {
	switch msg.Type {
	case OutboxTypeStartSaga:
		raw := gjson.GetBytes(msg.Payload, "SagaId").String()
		sagaID, err := uuid.Parse(raw)
		if err != nil {
			// A malformed payload can never succeed; retrying it would loop
			// forever, so it gets marked processed.
			log.Error("start-saga payload has no usable saga id, dropping",
				zap.String("message_id", msg.ID.String()),
				zap.String("payload", string(msg.Payload)))
			return nil
		}
		inst, err := p.sagas.Load(ctx, sagaID)
		if err != nil {
			return err
		}
		if inst == nil {
			log.Warn("saga missing for outbox message, dropping",
				zap.String("message_id", msg.ID.String()),
				zap.String("saga_id", sagaID.String()))
			return nil
		}
		return p.coordinator.Process(ctx, inst)
	default:
		log.Warn("unknown outbox message type, dropping",
			zap.String("message_id", msg.ID.String()),
			zap.String("type", msg.Type))
		return nil
	}
}

// releaseAfterFailure applies the retry disposition table: transient
// conflicts come back quickly and cost nothing, lost leases come back after
// a moderate delay and count, everything else backs off linearly.
func (p *OutboxWorkerPool) releaseAfterFailure(ctx context.Context, msg *OutboxMessageRecord, dispatchErr error, log *zap.Logger) error {
	now := time.Now()
	reason := truncateLastError(dispatchErr.Error())

	if errors.Is(dispatchErr, context.Canceled) || errors.Is(dispatchErr, context.DeadlineExceeded) {
		// Shutdown mid-dispatch. Hand the message straight back so another
		// worker can pick it up; the pool's context is already dead, so the
		// release runs on a short detached one.
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRelease()
		return p.outbox.Release(releaseCtx, msg.ID, now, "shutdown before completion", false)
	}

	switch {
	case IsRetryLater(dispatchErr):
		return p.outbox.Release(ctx, msg.ID, now.Add(p.transientConflictDelay), reason, false)
	case IsLeaseLost(dispatchErr):
		return p.outbox.Release(ctx, msg.ID, now.Add(lostLeaseDelay), reason, true)
	default:
		backoff := failureBackoff(msg.AttemptCount)
		if err := p.outbox.Release(ctx, msg.ID, now.Add(backoff), reason, true); err != nil {
			return err
		}
		if msg.AttemptCount+1 >= p.maxAttemptsBeforeDLQ {
			log.Warn("outbox message exceeded attempt budget, operator attention required",
				zap.String("message_id", msg.ID.String()),
				zap.String("type", msg.Type),
				zap.Int("attempt_count", msg.AttemptCount+1),
				zap.String("last_error", reason))
		}
		return nil
	}
}

// failureBackoff grows linearly with the attempt count and is capped at a
// minute: min(60s, 5s x (attempts+1)).
func failureBackoff(attemptCount int) time.Duration {
	backoff := 5 * time.Second * time.Duration(attemptCount+1)
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}
	return backoff
}

func truncateLastError(message string) string {
	runes := []rune(message)
	if len(runes) <= maxLastErrorLen {
		return message
	}
	return string(runes[:maxLastErrorLen])
}
