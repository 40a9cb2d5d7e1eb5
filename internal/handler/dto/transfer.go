package dto

import (
	"github.com/shopspring/decimal"

	"github.com/veltapay/sagaflow/internal/service"
)

// CreateTransferRequest is the POST /transfers payload.
type CreateTransferRequest struct {
	FromUserID string          `json:"from_user_id" binding:"required"`
	ToUserID   string          `json:"to_user_id" binding:"required"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
}

// CreateTransferResponse acknowledges an accepted transfer. The saga runs
// asynchronously; Status is always "Queued" at this point.
type CreateTransferResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// TransferStatusResponse is the status read model returned to clients.
type TransferStatusResponse struct {
	SagaID      string   `json:"saga_id"`
	State       string   `json:"state"`
	CurrentStep int      `json:"current_step"`
	Errors      []string `json:"errors"`
}

func TransferStatusFromView(view *service.SagaStatusView) *TransferStatusResponse {
	if view == nil {
		return nil
	}
	errs := view.Errors
	if errs == nil {
		errs = []string{}
	}
	return &TransferStatusResponse{
		SagaID:      view.SagaID.String(),
		State:       view.State,
		CurrentStep: view.CurrentStep,
		Errors:      errs,
	}
}
