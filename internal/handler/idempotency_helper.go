package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veltapay/sagaflow/internal/domain"
	"github.com/veltapay/sagaflow/internal/handler/dto"
	"github.com/veltapay/sagaflow/internal/pkg/response"
	"github.com/veltapay/sagaflow/internal/service"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "X-Idempotency-Replayed"
)

// transferKeyNamespace is the namespace for deriving saga IDs from client
// idempotency keys (RFC 4122 name-based UUIDs). Changing it would orphan
// every key issued before the change.
var transferKeyNamespace = uuid.MustParse("7c9b54d1-42c6-4a14-9d0a-3f8e6b2d91c5")

// sagaIDForKey maps a client Idempotency-Key to its saga ID. The mapping is
// deterministic, so a retried POST finds the saga created by the first
// attempt with no extra bookkeeping: the original 202 body is reconstructible
// from the key alone.
func sagaIDForKey(key string) uuid.UUID {
	return uuid.NewSHA1(transferKeyNamespace, []byte(key))
}

// matchesTransfer reports whether the stored saga was created for the same
// transfer parameters. Key reuse with a different payload is a client bug
// and must never replay someone else's transfer.
func matchesTransfer(snap *service.SagaSnapshot, req *dto.CreateTransferRequest) bool {
	if snap.DataType != domain.TransferDataType {
		return false
	}
	var data domain.TransferData
	if err := json.Unmarshal(snap.DataJSON, &data); err != nil {
		return false
	}
	return data.FromUserID == req.FromUserID &&
		data.ToUserID == req.ToUserID &&
		data.Amount.Equal(req.Amount)
}

// replayTransfer answers a repeated POST /transfers for an already created
// saga: same 202 and body as the original acknowledgement, marked as a
// replay. Live progress remains the job of GET /transfers/{id}.
func replayTransfer(c *gin.Context, snap *service.SagaSnapshot, req *dto.CreateTransferRequest) {
	if !matchesTransfer(snap, req) {
		response.Error(c, http.StatusConflict, "Idempotency-Key was already used with a different payload")
		return
	}
	c.Header("Location", "/transfers/"+snap.ID.String())
	c.Header(idempotencyReplayedHeader, "true")
	response.SuccessWithStatus(c, http.StatusAccepted, dto.CreateTransferResponse{
		SagaID: snap.ID.String(),
		Status: "Queued",
	})
}
