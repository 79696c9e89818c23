package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderItem is owned by its order. OrderID is a lookup key only.
type OrderItem struct {
	ID          uuid.UUID       `db:"id"`
	OrderID     uuid.UUID       `db:"order_id"`
	ProductID   uuid.UUID       `db:"product_id"`
	ProductName string          `db:"product_name"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Quantity    int             `db:"quantity"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

func newOrderItem(orderID uuid.UUID, data ItemData, now time.Time) OrderItem {
	return OrderItem{
		ID:          uuid.New(),
		OrderID:     orderID,
		ProductID:   data.ProductID,
		ProductName: strings.TrimSpace(data.ProductName),
		UnitPrice:   data.UnitPrice,
		Quantity:    data.Quantity,
		CreatedAt:   now,
	}
}

func (i *OrderItem) UpdateQuantity(quantity int) error {
	if quantity <= 0 {
		return &ValidationError{Fields: map[string]string{
			"quantity": "quantity must be greater than 0",
		}}
	}

	now := time.Now().UTC()
	i.Quantity = quantity
	i.UpdatedAt = &now

	return nil
}

func (i OrderItem) TotalPrice() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
