package service

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/veltapay/sagaflow/internal/config"
)

const (
	outboxCleanupLeaderLockKey = "outbox:cleanup:leader"
	outboxCleanupLeaderLockTTL = 30 * time.Minute
)

var outboxCleanupCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var outboxCleanupReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// OutboxCleanupService periodically deletes finished outbox rows to prevent
// unbounded table growth.
//
// - Scheduling: 5-field cron spec (minute hour dom month dow).
// - Multi-instance: best-effort Redis leader lock so only one node runs
//   cleanup, with a DB advisory lock as fallback when Redis is unavailable.
// - Safety: deletes in batches to avoid long transactions.
type OutboxCleanupService struct {
	outbox      OutboxRepository
	db          *sql.DB
	redisClient *redis.Client
	cfg         *config.Config

	instanceID string

	cron *cron.Cron

	startOnce sync.Once
	stopOnce  sync.Once

	warnNoRedisOnce sync.Once
}

func NewOutboxCleanupService(outbox OutboxRepository, db *sql.DB, redisClient *redis.Client, cfg *config.Config) *OutboxCleanupService {
	return &OutboxCleanupService{
		outbox:      outbox,
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		instanceID:  uuid.NewString(),
	}
}

func (s *OutboxCleanupService) Start() {
	if s == nil {
		return
	}
	if s.cfg != nil && !s.cfg.Outbox.Cleanup.Enabled {
		log.Printf("[OutboxCleanup] not started (disabled)")
		return
	}
	if s.outbox == nil {
		log.Printf("[OutboxCleanup] not started (missing deps)")
		return
	}

	s.startOnce.Do(func() {
		schedule := "0 3 * * *"
		if s.cfg != nil && strings.TrimSpace(s.cfg.Outbox.Cleanup.Schedule) != "" {
			schedule = strings.TrimSpace(s.cfg.Outbox.Cleanup.Schedule)
		}

		loc := time.Local
		if s.cfg != nil && strings.TrimSpace(s.cfg.Timezone) != "" {
			if parsed, err := time.LoadLocation(strings.TrimSpace(s.cfg.Timezone)); err == nil && parsed != nil {
				loc = parsed
			}
		}

		c := cron.New(cron.WithParser(outboxCleanupCronParser), cron.WithLocation(loc))
		_, err := c.AddFunc(schedule, func() { s.runScheduled() })
		if err != nil {
			log.Printf("[OutboxCleanup] not started (invalid schedule=%q): %v", schedule, err)
			return
		}
		s.cron = c
		s.cron.Start()
		log.Printf("[OutboxCleanup] started (schedule=%q tz=%s)", schedule, loc.String())
	})
}

func (s *OutboxCleanupService) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cron != nil {
			ctx := s.cron.Stop()
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
				log.Printf("[OutboxCleanup] cron stop timed out")
			}
		}
	})
}

func (s *OutboxCleanupService) runScheduled() {
	if s == nil || s.outbox == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	release, ok := s.tryAcquireLeaderLock(ctx)
	if !ok {
		return
	}
	if release != nil {
		defer release()
	}

	counts, err := s.runCleanupOnce(ctx)
	if err != nil {
		log.Printf("[OutboxCleanup] cleanup failed: %v", err)
		return
	}
	log.Printf("[OutboxCleanup] cleanup complete: %s", counts)
}

type outboxCleanupDeletedCounts struct {
	processed int64
	exhausted int64
}

func (c outboxCleanupDeletedCounts) String() string {
	return fmt.Sprintf("processed=%d exhausted=%d", c.processed, c.exhausted)
}

func (s *OutboxCleanupService) runCleanupOnce(ctx context.Context) (outboxCleanupDeletedCounts, error) {
	out := outboxCleanupDeletedCounts{}
	if s == nil || s.outbox == nil || s.cfg == nil {
		return out, nil
	}

	batchSize := s.cfg.Outbox.Cleanup.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}

	now := time.Now().UTC()

	if days := s.cfg.Outbox.Cleanup.ProcessedRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		n, err := s.deleteInBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.outbox.DeleteProcessedBefore(ctx, cutoff, batchSize)
		})
		if err != nil {
			return out, err
		}
		out.processed = n
	}

	// Messages past the attempt budget are warned about but kept visible by
	// the worker; after the retention window they are operationally dead and
	// get purged so the scout query stays cheap.
	if days := s.cfg.Outbox.Cleanup.DeadLetterRetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		maxAttempts := s.cfg.Outbox.MaxAttemptsBeforeDLQ
		n, err := s.deleteInBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.outbox.DeleteExhaustedBefore(ctx, cutoff, maxAttempts, batchSize)
		})
		if err != nil {
			return out, err
		}
		out.exhausted = n
	}

	return out, nil
}

func (s *OutboxCleanupService) deleteInBatches(ctx context.Context, deleteBatch func(ctx context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		affected, err := deleteBatch(ctx)
		if err != nil {
			return total, err
		}
		total += affected
		if affected == 0 {
			return total, nil
		}
	}
}

func (s *OutboxCleanupService) tryAcquireLeaderLock(ctx context.Context) (func(), bool) {
	if s == nil {
		return nil, false
	}

	key := outboxCleanupLeaderLockKey
	ttl := outboxCleanupLeaderLockTTL

	// Prefer the Redis leader lock when available, but avoid stampeding the
	// DB when Redis is flaky by falling back to a DB advisory lock.
	if s.redisClient != nil {
		ok, err := s.redisClient.SetNX(ctx, key, s.instanceID, ttl).Result()
		if err == nil {
			if !ok {
				return nil, false
			}
			return func() {
				_, _ = outboxCleanupReleaseScript.Run(ctx, s.redisClient, []string{key}, s.instanceID).Result()
			}, true
		}
		s.warnNoRedisOnce.Do(func() {
			log.Printf("[OutboxCleanup] leader lock SetNX failed; falling back to DB advisory lock: %v", err)
		})
	} else {
		s.warnNoRedisOnce.Do(func() {
			log.Printf("[OutboxCleanup] redis not configured; using DB advisory lock")
		})
	}

	if s.db == nil {
		// No lock backend at all; running unlocked beats never running.
		return nil, true
	}
	release, ok := tryAcquireDBAdvisoryLock(ctx, s.db, hashAdvisoryLockID(key))
	if !ok {
		return nil, false
	}
	return release, true
}

// tryAcquireDBAdvisoryLock pins a single connection for the lock lifetime;
// advisory locks are session-scoped, so release must run on the same session.
func tryAcquireDBAdvisoryLock(ctx context.Context, db *sql.DB, lockID int64) (func(), bool) {
	if db == nil {
		return nil, false
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		log.Printf("[OutboxCleanup] advisory lock conn failed: %v", err)
		return nil, false
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		log.Printf("[OutboxCleanup] advisory lock acquire failed: %v", err)
		return nil, false
	}
	if !acquired {
		_ = conn.Close()
		return nil, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var released bool
		if err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1)", lockID).Scan(&released); err != nil {
			log.Printf("[OutboxCleanup] advisory lock release failed: %v", err)
		}
		_ = conn.Close()
	}, true
}

func hashAdvisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
