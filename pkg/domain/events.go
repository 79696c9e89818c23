package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Destinations the outbox relay publishes to. Every service reuses the same
// outbox table layout and relay, only the destination differs.
const (
	OrderEventsDestination   = "order_events"
	PaymentEventsDestination = "payment_events"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventOrderCancelled   = "OrderCancelled"
	EventPaymentSucceeded = "PaymentSucceeded"
	EventPaymentFailed    = "PaymentFailed"
)

// OrderCreatedPayload is the outbox wire payload emitted once an order is
// confirmed. Field names are part of the contract with downstream consumers.
type OrderCreatedPayload struct {
	OrderId     uuid.UUID `json:"OrderId"`
	UserId      uuid.UUID `json:"UserId"`
	TotalAmount Amount    `json:"TotalAmount"`
	Status      string    `json:"Status"`
	CreatedAt   time.Time `json:"CreatedAt"`
}

// Amount is a money value that encodes as a JSON number with two decimal
// places. Decoding accepts both numbers and quoted strings.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(json.Number(a.StringFixed(2)))
}

type OrderCancelledPayload struct {
	OrderId   uuid.UUID `json:"OrderId"`
	Reason    string    `json:"Reason"`
	Status    string    `json:"Status"`
	CreatedAt time.Time `json:"CreatedAt"`
}

type PaymentSucceededEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
}

type PaymentFailedEvent struct {
	OrderID   uuid.UUID       `json:"order_id"`
	PaymentID uuid.UUID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	FailedAt  time.Time       `json:"failed_at"`
}
