package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/handler/dto"
	"github.com/veltapay/sagaflow/internal/pkg/logger"
	"github.com/veltapay/sagaflow/internal/pkg/response"
	"github.com/veltapay/sagaflow/internal/service"
)

// TransferHandler accepts money transfers and answers status reads. Accepting
// a transfer only persists the saga and its outbox row; the actual movement of
// money happens later on a worker.
type TransferHandler struct {
	sagaSvc   *service.SagaService
	statusSvc *service.SagaStatusService
}

func NewTransferHandler(sagaSvc *service.SagaService, statusSvc *service.SagaStatusService) *TransferHandler {
	return &TransferHandler{sagaSvc: sagaSvc, statusSvc: statusSvc}
}

// CreateTransfer handles POST /transfers. Clients may supply an
// Idempotency-Key header; repeats of the same key replay the original
// acknowledgement instead of opening a second saga.
func (h *TransferHandler) CreateTransfer(c *gin.Context) {
	var req dto.CreateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		response.BadRequest(c, "amount must be positive")
		return
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		response.BadRequest(c, "amount must have at most two decimal places")
		return
	}
	if req.FromUserID == req.ToUserID {
		response.BadRequest(c, "from_user_id and to_user_id must differ")
		return
	}

	sagaID := uuid.New()
	idemKey := c.GetHeader(idempotencyKeyHeader)
	if idemKey != "" {
		sagaID = sagaIDForKey(idemKey)
		snap, err := h.sagaSvc.GetSnapshot(c.Request.Context(), sagaID)
		if err != nil {
			response.ErrorFrom(c, err)
			return
		}
		if snap != nil {
			replayTransfer(c, snap, &req)
			return
		}
	}

	data := &domain.TransferData{
		SagaID:     sagaID,
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Amount:     req.Amount,
	}
	if err := h.sagaSvc.CreateSaga(c.Request.Context(), sagaID, domain.TransferDataType, data); err != nil {
		// A concurrent request holding the same key may have inserted the
		// saga between the lookup and here; that race reads as a replay.
		if idemKey != "" {
			if snap, lookupErr := h.sagaSvc.GetSnapshot(c.Request.Context(), sagaID); lookupErr == nil && snap != nil {
				replayTransfer(c, snap, &req)
				return
			}
		}
		logger.FromContext(c.Request.Context()).Warn("create transfer saga failed",
			zap.String("saga_id", sagaID.String()),
			zap.Error(err))
		response.ErrorFrom(c, err)
		return
	}

	c.Header("Location", "/transfers/"+sagaID.String())
	response.SuccessWithStatus(c, http.StatusAccepted, dto.CreateTransferResponse{
		SagaID: sagaID.String(),
		Status: "Queued",
	})
}

// GetTransfer handles GET /transfers/:id.
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	sagaID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid transfer id")
		return
	}

	view, err := h.statusSvc.GetStatus(c.Request.Context(), sagaID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, dto.TransferStatusFromView(view))
}
