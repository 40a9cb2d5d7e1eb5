package handler

import (
	"github.com/google/wire"
)

// Handlers aggregates the HTTP handlers for route registration.
type Handlers struct {
	Transfer *TransferHandler
}

// ProvideHandlers creates the Handlers struct
func ProvideHandlers(transferHandler *TransferHandler) *Handlers {
	return &Handlers{
		Transfer: transferHandler,
	}
}

// ProviderSet is the Wire provider set for all handlers
var ProviderSet = wire.NewSet(
	NewTransferHandler,
	ProvideHandlers,
)
