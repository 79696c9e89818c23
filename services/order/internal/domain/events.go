package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is raised by the aggregate and drained by the transaction owner.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

type OrderCreated struct {
	OrderID     uuid.UUID
	UserID      uuid.UUID
	TotalAmount decimal.Decimal
	At          time.Time
}

func (e OrderCreated) EventName() string     { return "OrderCreated" }
func (e OrderCreated) OccurredAt() time.Time { return e.At }

type OrderConfirmed struct {
	OrderID uuid.UUID
	At      time.Time
}

func (e OrderConfirmed) EventName() string     { return "OrderConfirmed" }
func (e OrderConfirmed) OccurredAt() time.Time { return e.At }

type OrderCancelled struct {
	OrderID uuid.UUID
	Reason  string
	At      time.Time
}

func (e OrderCancelled) EventName() string     { return "OrderCancelled" }
func (e OrderCancelled) OccurredAt() time.Time { return e.At }
