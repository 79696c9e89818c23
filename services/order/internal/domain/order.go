package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/go-order-saga/pkg/utils"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID              uuid.UUID       `db:"id"`
	UserID          uuid.UUID       `db:"user_id"`
	OrderNumber     string          `db:"order_number"`
	Status          OrderStatus     `db:"status"`
	TotalAmount     decimal.Decimal `db:"total_amount"`
	ShippingAddress string          `db:"shipping_address"`
	BillingAddress  string          `db:"billing_address"`
	CancelReason    string          `db:"cancel_reason"`
	Items           []OrderItem     `db:"items"`

	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`

	events []Event
}

// moneyScale matches the NUMERIC(18, 2) money columns.
const moneyScale = 2

// ItemData is one priced line requested for a new order.
type ItemData struct {
	ProductID   uuid.UUID       `validate:"required"`
	ProductName string          `validate:"notblank"`
	UnitPrice   decimal.Decimal `validate:"gt=0"`
	Quantity    int             `validate:"gt=0"`
}

type orderInput struct {
	UserID          uuid.UUID  `validate:"required"`
	ShippingAddress string     `validate:"notblank"`
	BillingAddress  string     `validate:"notblank"`
	Items           []ItemData `validate:"min=1,dive"`
}

// Create validates the input and returns a pending order with OrderCreated raised.
// Unit prices are rounded to cents before validation so the stored lines and
// the total agree.
func Create(userID uuid.UUID, shippingAddress, billingAddress string, items []ItemData) (*Order, error) {
	items = roundPrices(items)

	if err := utils.Validator().Struct(orderInput{
		UserID:          userID,
		ShippingAddress: shippingAddress,
		BillingAddress:  billingAddress,
		Items:           items,
	}); err != nil {
		return nil, &ValidationError{Fields: utils.FormatValidationError(err)}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:              uuid.New(),
		UserID:          userID,
		OrderNumber:     newOrderNumber(now),
		Status:          OrderStatusPending,
		ShippingAddress: strings.TrimSpace(shippingAddress),
		BillingAddress:  strings.TrimSpace(billingAddress),
		CreatedAt:       now,
	}

	o.Items = make([]OrderItem, 0, len(items))
	for _, data := range items {
		o.Items = append(o.Items, newOrderItem(o.ID, data, now))
	}

	o.recalculateTotal()
	o.raise(OrderCreated{
		OrderID:     o.ID,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount,
		At:          now,
	})

	return o, nil
}

func roundPrices(items []ItemData) []ItemData {
	rounded := make([]ItemData, len(items))
	for i, it := range items {
		it.UnitPrice = it.UnitPrice.Round(moneyScale)
		rounded[i] = it
	}

	return rounded
}

// UpdateStatus moves the order to status. Cancelled orders may only go back
// to pending and delivered orders may only be cancelled.
func (o *Order) UpdateStatus(status OrderStatus) error {
	if o.Status == status {
		return nil
	}

	if o.Status == OrderStatusCancelled && status != OrderStatusPending {
		return fmt.Errorf("%w: cannot change status of cancelled order to %s", ErrInvalidTransition, status)
	}

	if o.Status == OrderStatusDelivered && status != OrderStatusCancelled {
		return fmt.Errorf("%w: cannot change status of delivered order to %s", ErrInvalidTransition, status)
	}

	now := o.touch()
	o.Status = status

	switch status {
	case OrderStatusConfirmed:
		o.raise(OrderConfirmed{OrderID: o.ID, At: now})
	case OrderStatusCancelled:
		o.raise(OrderCancelled{OrderID: o.ID, At: now})
	}

	return nil
}

func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusConfirmed
}

func (o *Order) Cancel(reason string) error {
	if !o.CanBeCancelled() {
		return fmt.Errorf("%w: order cannot be cancelled in status %s", ErrInvalidState, o.Status)
	}

	now := o.touch()
	o.Status = OrderStatusCancelled
	o.CancelReason = strings.TrimSpace(reason)

	o.raise(OrderCancelled{OrderID: o.ID, Reason: o.CancelReason, At: now})

	return nil
}

// UpdateItemQuantity changes the quantity of one line while the order is
// still pending and recomputes the total.
func (o *Order) UpdateItemQuantity(productID uuid.UUID, quantity int) error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: items can only change while pending, order is %s", ErrInvalidState, o.Status)
	}

	for i := range o.Items {
		if o.Items[i].ProductID != productID {
			continue
		}

		if err := o.Items[i].UpdateQuantity(quantity); err != nil {
			return err
		}

		o.touch()
		o.recalculateTotal()

		return nil
	}

	return fmt.Errorf("%w: product %s", ErrItemNotFound, productID)
}

// PullEvents returns the events raised since the last call and clears them.
func (o *Order) PullEvents() []Event {
	events := o.events
	o.events = nil

	return events
}

func (o *Order) raise(e Event) {
	o.events = append(o.events, e)
}

func (o *Order) touch() time.Time {
	now := time.Now().UTC()
	o.UpdatedAt = &now

	return now
}

func (o *Order) recalculateTotal() {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.TotalPrice())
	}

	o.TotalAmount = total
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}
