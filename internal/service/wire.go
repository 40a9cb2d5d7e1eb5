package service

import (
	"github.com/google/wire"
)

// ProvideSagaDefinitions assembles the saga definitions registered with the
// orchestrator. New saga types get wired here.
func ProvideSagaDefinitions(transfer SagaDefinition) []SagaDefinition {
	return []SagaDefinition{transfer}
}

// ProviderSet is the Wire provider set for all services
var ProviderSet = wire.NewSet(
	NewIdempotencyService,
	NewLedgerService,

	// Saga orchestration
	NewTransferSagaDefinition,
	ProvideSagaDefinitions,
	NewSagaService,
	NewSagaCoordinator,
	NewSagaStatusService,

	// Background workers
	NewOutboxWorkerPool,
	NewOutboxCleanupService,
)
