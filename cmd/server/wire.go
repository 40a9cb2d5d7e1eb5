//go:build wireinject
// +build wireinject

package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/veltapay/sagaflow/internal/config"
	"github.com/veltapay/sagaflow/internal/handler"
	"github.com/veltapay/sagaflow/internal/repository"
	"github.com/veltapay/sagaflow/internal/server"
	"github.com/veltapay/sagaflow/internal/service"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

type Application struct {
	Config        *config.Config
	Server        *http.Server
	Workers       *service.OutboxWorkerPool
	OutboxCleanup *service.OutboxCleanupService
	Cleanup       func()
}

func initializeApplication() (*Application, error) {
	wire.Build(
		// Infrastructure layer ProviderSets
		config.ProviderSet,

		// Business layer ProviderSets
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Cleanup function provider
		provideCleanup,

		// Application struct
		wire.Struct(new(Application), "Config", "Server", "Workers", "OutboxCleanup", "Cleanup"),
	)
	return nil, nil
}

func provideCleanup(
	db *sql.DB,
	rdb *redis.Client,
	workers *service.OutboxWorkerPool,
	outboxCleanup *service.OutboxCleanupService,
) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Cleanup steps in reverse dependency order
		cleanupSteps := []struct {
			name string
			fn   func() error
		}{
			{"OutboxCleanupService", func() error {
				if outboxCleanup != nil {
					outboxCleanup.Stop()
				}
				return nil
			}},
			{"OutboxWorkerPool", func() error {
				if workers != nil {
					workers.Stop()
				}
				return nil
			}},
			{"Redis", func() error {
				return rdb.Close()
			}},
			{"Database", func() error {
				return db.Close()
			}},
		}

		for _, step := range cleanupSteps {
			if err := step.fn(); err != nil {
				log.Printf("[Cleanup] %s failed: %v", step.name, err)
				// Continue with remaining cleanup steps even if one fails
			} else {
				log.Printf("[Cleanup] %s succeeded", step.name)
			}
		}

		// Check if context timed out
		select {
		case <-ctx.Done():
			log.Printf("[Cleanup] Warning: cleanup timed out after 10 seconds")
		default:
			log.Printf("[Cleanup] All cleanup steps completed")
		}
	}
}
