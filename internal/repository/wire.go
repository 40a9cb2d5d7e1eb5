package repository

import "github.com/google/wire"

// ProviderSet provides all repository layer dependencies
var ProviderSet = wire.NewSet(
	// Infrastructure
	NewDB,
	NewRedisClient,

	// Stores
	NewSagaRepository,
	NewOutboxRepository,
	NewIdempotencyRepository,
	NewLedgerRepository,
)
