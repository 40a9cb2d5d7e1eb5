package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/domain"
	infraerrors "github.com/veltapay/sagaflow/internal/pkg/errors"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
)

var ErrSagaNotFound = infraerrors.NotFound("SAGA_NOT_FOUND", "saga not found")

// SagaStatusView is the read model served to API clients.
type SagaStatusView struct {
	SagaID      uuid.UUID `json:"saga_id"`
	State       string    `json:"state"`
	CurrentStep int       `json:"current_step"`
	Errors      []string  `json:"errors"`
}

// SagaStatusService answers status reads. Terminal states are immutable, so
// they get cached in an in-process L1 and in Redis; in-flight sagas always
// hit the store. Concurrent misses for the same saga collapse into one
// snapshot read.
type SagaStatusService struct {
	sagas *SagaService
	l1    *ristretto.Cache
	rdb   *redis.Client
	cfg   *config.Config
	group singleflight.Group
}

func NewSagaStatusService(sagas *SagaService, rdb *redis.Client, cfg *config.Config) *SagaStatusService {
	s := &SagaStatusService{sagas: sagas, rdb: rdb, cfg: cfg}
	if cfg.StatusCache.Enabled && cfg.StatusCache.L1Size > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(cfg.StatusCache.L1Size) * 10,
			MaxCost:     int64(cfg.StatusCache.L1Size),
			BufferItems: 64,
		})
		if err == nil {
			s.l1 = cache
		}
	}
	return s
}

func (s *SagaStatusService) GetStatus(ctx context.Context, sagaID uuid.UUID) (*SagaStatusView, error) {
	if !s.cfg.StatusCache.Enabled {
		return s.loadStatus(ctx, sagaID)
	}

	cacheKey := s.cfg.StatusCache.KeyPrefix + sagaID.String()
	if view, ok := s.l1Get(cacheKey); ok {
		return view, nil
	}
	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cacheKey).Bytes()
		if err == nil {
			view := &SagaStatusView{}
			if unmarshalErr := json.Unmarshal(cached, view); unmarshalErr == nil {
				s.l1Set(cacheKey, view)
				return view, nil
			}
			// Unreadable cache entry; fall through to the store and rewrite it.
		} else if !errors.Is(err, redis.Nil) {
			logger.L().Named("SagaStatus").Warn("status cache read failed, falling back to store",
				zap.String("saga_id", sagaID.String()), zap.Error(err))
		}
	}

	result, err, _ := s.group.Do(cacheKey, func() (any, error) {
		view, loadErr := s.loadStatus(ctx, sagaID)
		if loadErr != nil {
			return nil, loadErr
		}
		if state, ok := domain.ParseSagaState(view.State); ok && state.IsTerminal() {
			s.l1Set(cacheKey, view)
			if s.rdb != nil {
				if raw, marshalErr := json.Marshal(view); marshalErr == nil {
					if setErr := s.rdb.Set(ctx, cacheKey, raw, s.cfg.StatusCache.TTL()).Err(); setErr != nil {
						logger.L().Named("SagaStatus").Warn("status cache write failed",
							zap.String("saga_id", sagaID.String()), zap.Error(setErr))
					}
				}
			}
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*SagaStatusView), nil
}

func (s *SagaStatusService) l1Get(cacheKey string) (*SagaStatusView, bool) {
	if s.l1 == nil {
		return nil, false
	}
	val, ok := s.l1.Get(cacheKey)
	if !ok {
		return nil, false
	}
	view, ok := val.(*SagaStatusView)
	return view, ok
}

func (s *SagaStatusService) l1Set(cacheKey string, view *SagaStatusView) {
	if s.l1 == nil || view == nil {
		return
	}
	_ = s.l1.SetWithTTL(cacheKey, view, 1, s.cfg.StatusCache.TTL())
}

func (s *SagaStatusService) loadStatus(ctx context.Context, sagaID uuid.UUID) (*SagaStatusView, error) {
	snap, err := s.sagas.GetSnapshot(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrSagaNotFound
	}
	errorLog := snap.ErrorLog
	if errorLog == nil {
		errorLog = []string{}
	}
	return &SagaStatusView{
		SagaID:      snap.ID,
		State:       snap.State,
		CurrentStep: snap.Cursor,
		Errors:      errorLog,
	}, nil
}
