package port

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemRequest struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

type UnavailableProduct struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Requested   int       `json:"requested"`
	Available   int       `json:"available"`
}

type ProductInfo struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type AvailabilityResult struct {
	IsAvailable bool                      `json:"is_available"`
	Unavailable []UnavailableProduct      `json:"unavailable"`
	Products    map[uuid.UUID]ProductInfo `json:"products"`
}

// Catalog checks, reserves and releases stock.
type Catalog interface {
	CheckAvailability(ctx context.Context, items []ItemRequest) (AvailabilityResult, error)
	Reserve(ctx context.Context, items []ItemRequest) error
	Release(ctx context.Context, items []ItemRequest) error
}

type ChargeRequest struct {
	OrderID  uuid.UUID       `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Method   string          `json:"method"`
}

type RefundRequest struct {
	PaymentID string          `json:"payment_id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type PaymentResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	ErrorMessage  string `json:"error_message"`
}

// Payment charges and refunds. A declined charge is a result with
// Success=false, not an error.
type Payment interface {
	Charge(ctx context.Context, req ChargeRequest) (PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentResult, error)
}
