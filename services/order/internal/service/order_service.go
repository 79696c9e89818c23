package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	generalDomain "github.com/sakashimaa/go-order-saga/pkg/domain"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	dedup "github.com/sakashimaa/go-order-saga/pkg/outbox/utils"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const consumerName = "order-service"

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	TxBeginner
	repository.Querier
}

type OrderService interface {
	HandlePaymentSucceeded(ctx context.Context, messageID uuid.UUID, event *generalDomain.PaymentSucceededEvent) error
	HandlePaymentFailed(ctx context.Context, messageID uuid.UUID, event *generalDomain.PaymentFailedEvent) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type orderService struct {
	db          DB
	logger      *zap.Logger
	orderRepo   repository.OrderRepository
	outboxRepo  OutboxAppender
	destination string
	tracer      trace.Tracer
}

func NewOrderService(
	db DB,
	logger *zap.Logger,
	orderRepo repository.OrderRepository,
	outboxRepo OutboxAppender,
	destination string,
) OrderService {
	return &orderService{
		db:          db,
		logger:      logger,
		orderRepo:   orderRepo,
		outboxRepo:  outboxRepo,
		destination: destination,
		tracer:      otel.Tracer("order_service"),
	}
}

func (s *orderService) HandlePaymentSucceeded(
	ctx context.Context,
	messageID uuid.UUID,
	event *generalDomain.PaymentSucceededEvent,
) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.HandlePaymentSucceeded")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", event.OrderID.String()))

	messageID = dedupeID(messageID, generalDomain.EventPaymentSucceeded, event.OrderID)

	return dedup.ProcessOnce(ctx, s.db, s.logger, consumerName, messageID, func(ctx context.Context, tx pgx.Tx) error {
		return s.mutate(ctx, tx, event.OrderID, func(order *domain.Order) error {
			return order.UpdateStatus(domain.OrderStatusPaid)
		})
	})
}

func (s *orderService) HandlePaymentFailed(
	ctx context.Context,
	messageID uuid.UUID,
	event *generalDomain.PaymentFailedEvent,
) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.HandlePaymentFailed")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", event.OrderID.String()))

	messageID = dedupeID(messageID, generalDomain.EventPaymentFailed, event.OrderID)

	return dedup.ProcessOnce(ctx, s.db, s.logger, consumerName, messageID, func(ctx context.Context, tx pgx.Tx) error {
		return s.mutate(ctx, tx, event.OrderID, func(order *domain.Order) error {
			return order.Cancel(event.Reason)
		})
	})
}

// mutate loads the order under a row lock, applies change and writes the
// order together with the outbox rows for the events change raised.
func (s *orderService) mutate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, change func(*domain.Order) error) error {
	order, err := s.orderRepo.GetByID(ctx, tx, orderID, true)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			mylogger.Warn(
				ctx,
				s.logger,
				"Order not found",
				zap.String("order_id", orderID.String()),
			)

			return fmt.Errorf("order %s: %w", orderID, err)
		}

		return fmt.Errorf("failed to load order: %w", err)
	}

	if err := change(order); err != nil {
		mylogger.Warn(
			ctx,
			s.logger,
			"Order change rejected",
			zap.String("order_id", orderID.String()),
			zap.String("status", string(order.Status)),
			zap.Error(err),
		)

		return err
	}

	msgs, err := toOutbox(order, order.PullEvents(), s.destination)
	if err != nil {
		return err
	}

	if err := appendAll(ctx, s.outboxRepo, tx, msgs); err != nil {
		return fmt.Errorf("failed to emit event: %w", err)
	}

	if err := s.orderRepo.Update(ctx, tx, order); err != nil {
		mylogger.Error(
			ctx,
			s.logger,
			"Failed to update order",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)

		return fmt.Errorf("failed to update order: %w", err)
	}

	return nil
}

func (s *orderService) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.GetOrder")
	defer span.End()

	return s.orderRepo.GetByID(ctx, s.db, id, false)
}

// dedupeID falls back to a name-based id when the producer sent no message
// id, so redeliveries of the same domain event still collapse.
func dedupeID(messageID uuid.UUID, eventType string, orderID uuid.UUID) uuid.UUID {
	if messageID != uuid.Nil {
		return messageID
	}

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventType+":"+orderID.String()))
}
