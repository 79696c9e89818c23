package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	generalDomain "github.com/sakashimaa/go-order-saga/pkg/domain"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"go.uber.org/zap"
)

const aggregateType = "Order"

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxAppender interface {
	Append(ctx context.Context, tx pgx.Tx, msg *outboxDomain.Message) error
}

// toOutbox converts the drained events that other services consume into
// outbox rows. OrderConfirmed goes out as the OrderCreated wire event, since
// that is the first moment the order is visible; OrderCreated itself is
// internal because a pending order is never committed by the saga.
func toOutbox(order *domain.Order, events []domain.Event, destination string) ([]*outboxDomain.Message, error) {
	var msgs []*outboxDomain.Message

	for _, e := range events {
		var (
			eventType string
			payload   any
		)

		switch ev := e.(type) {
		case domain.OrderConfirmed:
			eventType = generalDomain.EventOrderCreated
			payload = generalDomain.OrderCreatedPayload{
				OrderId:     order.ID,
				UserId:      order.UserID,
				TotalAmount: generalDomain.NewAmount(order.TotalAmount),
				Status:      domain.OrderStatusConfirmed.Title(),
				CreatedAt:   ev.At,
			}
		case domain.OrderCancelled:
			eventType = generalDomain.EventOrderCancelled
			payload = generalDomain.OrderCancelledPayload{
				OrderId:   order.ID,
				Reason:    ev.Reason,
				Status:    domain.OrderStatusCancelled.Title(),
				CreatedAt: ev.At,
			}
		default:
			continue
		}

		msg, err := outboxDomain.NewMessage(aggregateType, order.ID.String(), eventType, destination, payload)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

func appendAll(ctx context.Context, outbox OutboxAppender, tx pgx.Tx, msgs []*outboxDomain.Message) error {
	for _, msg := range msgs {
		if err := outbox.Append(ctx, tx, msg); err != nil {
			return err
		}
	}

	return nil
}

func rollback(ctx context.Context, logger *zap.Logger, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)

	if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Error rolling back transaction",
			zap.Error(err),
		)
	}
}
