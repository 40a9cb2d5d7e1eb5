package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferDataType is the persisted data_type discriminator for money
// transfer sagas.
const TransferDataType = "TransferData"

// TransferData is the payload of a money transfer saga: debit the sender,
// credit the receiver.
type TransferData struct {
	SagaID     uuid.UUID       `json:"saga_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Amount     decimal.Decimal `json:"amount"`
}
