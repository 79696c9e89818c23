package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Querier is satisfied by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type OrderRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	Update(ctx context.Context, tx pgx.Tx, order *domain.Order) error
	GetByID(ctx context.Context, q Querier, id uuid.UUID, forUpdate bool) (*domain.Order, error)
}

type orderRepo struct {
	logger *zap.Logger
	tracer trace.Tracer
}

func NewOrderRepository(logger *zap.Logger) OrderRepository {
	return &orderRepo{
		logger: logger,
		tracer: otel.Tracer("order_repository"),
	}
}

func (r *orderRepo) Insert(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", order.ID.String()),
		attribute.Int("items_count", len(order.Items)),
	)

	queryOrder := `
		INSERT INTO orders (id, user_id, order_number, status, total_amount,
			shipping_address, billing_address, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if _, err := tx.Exec(
		ctx,
		queryOrder,
		order.ID,
		order.UserID,
		order.OrderNumber,
		string(order.Status),
		order.TotalAmount,
		order.ShippingAddress,
		order.BillingAddress,
		order.CancelReason,
		order.CreatedAt,
		order.UpdatedAt,
	); err != nil {
		span.RecordError(err)

		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrOrderNumberTaken, order.OrderNumber)
		}

		mylogger.Warn(
			ctx,
			r.logger,
			"Failed to insert order",
			zap.Error(err),
		)

		return fmt.Errorf("failed to insert order: %w", err)
	}

	queryItem := `
		INSERT INTO order_items (id, order_id, product_id, product_name, unit_price, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	batch := &pgx.Batch{}
	for _, item := range order.Items {
		batch.Queue(
			queryItem,
			item.ID,
			order.ID,
			item.ProductID,
			item.ProductName,
			item.UnitPrice,
			item.Quantity,
			item.CreatedAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to insert items",
			zap.Error(err),
		)

		return fmt.Errorf("failed to insert order items: %w", err)
	}

	return nil
}

func (r *orderRepo) Update(ctx context.Context, tx pgx.Tx, order *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", order.ID.String()),
		attribute.String("status", string(order.Status)),
	)

	query := `
		UPDATE orders
		SET status = $1, total_amount = $2, cancel_reason = $3, updated_at = $4
		WHERE id = $5
	`

	commandTag, err := tx.Exec(
		ctx,
		query,
		string(order.Status),
		order.TotalAmount,
		order.CancelReason,
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			r.logger,
			"Failed to update order",
			zap.Error(err),
		)

		return fmt.Errorf("failed to update order: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		mylogger.Warn(
			ctx,
			r.logger,
			"Order not found",
			zap.String("order_id", order.ID.String()),
		)

		return ErrOrderNotFound
	}

	queryItem := `
		UPDATE order_items
		SET quantity = $1, updated_at = $2
		WHERE id = $3 AND quantity <> $1
	`

	batch := &pgx.Batch{}
	for _, item := range order.Items {
		batch.Queue(queryItem, item.Quantity, item.UpdatedAt, item.ID)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to update order items: %w", err)
	}

	return nil
}

func (r *orderRepo) GetByID(ctx context.Context, q Querier, id uuid.UUID, forUpdate bool) (*domain.Order, error) {
	ctx, span := r.tracer.Start(ctx, "OrderRepository.GetByID")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", id.String()),
		attribute.Bool("for_update", forUpdate),
	)

	query := `
		SELECT id, user_id, order_number, status, total_amount,
			shipping_address, billing_address, cancel_reason, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		order  domain.Order
		status string
	)
	if err := q.QueryRow(ctx, query, id).Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&status,
		&order.TotalAmount,
		&order.ShippingAddress,
		&order.BillingAddress,
		&order.CancelReason,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}

		span.RecordError(err)
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	parsed, err := domain.ParseOrderStatus(status)
	if err != nil {
		return nil, err
	}
	order.Status = parsed

	items, err := r.items(ctx, q, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	order.Items = items

	return &order, nil
}

func (r *orderRepo) items(ctx context.Context, q Querier, orderID uuid.UUID) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, product_name, unit_price, quantity, created_at, updated_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id
	`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		mylogger.Error(
			ctx,
			r.logger,
			"Failed to query order_items",
			zap.Error(err),
		)

		return nil, fmt.Errorf("failed to query order items: %w", err)
	}

	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[domain.OrderItem])
	if err != nil {
		return nil, fmt.Errorf("failed to scan order items: %w", err)
	}

	return items, nil
}
