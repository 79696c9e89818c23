package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/port"
	"github.com/sakashimaa/go-order-saga/services/order/internal/repository"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultCompensationTimeout = 30 * time.Second

type PlaceOrderCommand struct {
	UserID          uuid.UUID          `json:"user_id"`
	ShippingAddress string             `json:"shipping_address"`
	BillingAddress  string             `json:"billing_address"`
	Items           []port.ItemRequest `json:"items"`
	PaymentMethod   string             `json:"payment_method,omitempty"`
}

type OrderResult struct {
	Success      bool      `json:"success"`
	OrderID      uuid.UUID `json:"order_id,omitempty"`
	OrderNumber  string    `json:"order_number,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

func Succeeded(order *domain.Order) OrderResult {
	return OrderResult{Success: true, OrderID: order.ID, OrderNumber: order.OrderNumber}
}

func Failed(format string, args ...any) OrderResult {
	return OrderResult{ErrorMessage: fmt.Sprintf(format, args...)}
}

type OrchestratorOptions struct {
	Currency            string
	PaymentMethod       string
	Destination         string
	CompensationTimeout time.Duration
}

type Orchestrator struct {
	db      TxBeginner
	orders  repository.OrderRepository
	outbox  OutboxAppender
	catalog port.Catalog
	payment port.Payment
	logger  *zap.Logger
	opts    OrchestratorOptions

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

func NewOrchestrator(
	db TxBeginner,
	orders repository.OrderRepository,
	outbox OutboxAppender,
	catalog port.Catalog,
	payment port.Payment,
	logger *zap.Logger,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = defaultCompensationTimeout
	}

	outcomes, _ := otel.Meter("order_orchestrator").Int64Counter(
		"saga.orders",
		metric.WithDescription("Order saga runs by outcome"),
	)

	return &Orchestrator{
		db:       db,
		orders:   orders,
		outbox:   outbox,
		catalog:  catalog,
		payment:  payment,
		logger:   logger,
		opts:     opts,
		tracer:   otel.Tracer("order_orchestrator"),
		outcomes: outcomes,
	}
}

// sagaRun tracks what has happened so far so a failure can be undone.
type sagaRun struct {
	cmd       PlaceOrderCommand
	order     *domain.Order
	charge    *port.PaymentResult
	tx        pgx.Tx
	reserved  bool
	committed bool
}

// ProcessOrder runs the placement saga. Expected failures and panics are
// returned as a failed OrderResult; it never leaves a half-committed order.
func (o *Orchestrator) ProcessOrder(ctx context.Context, cmd PlaceOrderCommand) (result OrderResult) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.ProcessOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("user_id", cmd.UserID.String()),
		attribute.Int("items_count", len(cmd.Items)),
	)

	run := &sagaRun{cmd: cmd}

	defer func() {
		if rec := recover(); rec != nil {
			mylogger.Error(
				ctx,
				o.logger,
				"Order saga panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)

			if run.committed {
				result = Succeeded(run.order)
			} else {
				o.abort(ctx, run)
				result = Failed("Order processing failed: %v", rec)
			}
		}

		o.record(ctx, span, result)
	}()

	availability, err := o.catalog.CheckAvailability(ctx, cmd.Items)
	if err != nil {
		mylogger.Warn(ctx, o.logger, "Availability check failed", zap.Error(err))
		return Failed("Products not available: %v", err)
	}

	if !availability.IsAvailable {
		names := lo.Map(availability.Unavailable, func(p port.UnavailableProduct, _ int) string {
			return p.ProductName
		})

		mylogger.Info(ctx, o.logger, "Products not available", zap.Strings("products", names))
		return Failed("Products not available: %s", strings.Join(names, ", "))
	}

	order, err := domain.Create(cmd.UserID, cmd.ShippingAddress, cmd.BillingAddress, pricedItems(cmd.Items, availability))
	if err != nil {
		return Failed("Order validation failed: %v", err)
	}
	run.order = order

	span.SetAttributes(attribute.String("order_id", order.ID.String()))

	if res := o.charge(ctx, run); !res.Success {
		return res
	}

	if err := o.persist(ctx, run); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			o.logger,
			"Order processing failed, compensating",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)

		o.abort(ctx, run)
		return Failed("Order processing failed: %v", err)
	}

	mylogger.Info(
		ctx,
		o.logger,
		"Order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("total_amount", order.TotalAmount.String()),
	)

	return Succeeded(order)
}

// charge runs before any transaction is open so a slow gateway never holds
// row locks. A refund compensates it if a later step fails.
func (o *Orchestrator) charge(ctx context.Context, run *sagaRun) OrderResult {
	method := run.cmd.PaymentMethod
	if method == "" {
		method = o.opts.PaymentMethod
	}

	res, err := o.payment.Charge(ctx, port.ChargeRequest{
		OrderID:  run.order.ID,
		Amount:   run.order.TotalAmount,
		Currency: o.opts.Currency,
		Method:   method,
	})
	if err != nil {
		mylogger.Warn(ctx, o.logger, "Payment charge failed", zap.Error(err))
		return Failed("Payment failed: %v", err)
	}

	if !res.Success {
		mylogger.Info(
			ctx,
			o.logger,
			"Payment declined",
			zap.String("order_id", run.order.ID.String()),
			zap.String("reason", res.ErrorMessage),
		)

		return Failed("Payment failed: %s", res.ErrorMessage)
	}

	run.charge = &res

	return OrderResult{Success: true}
}

func (o *Orchestrator) persist(ctx context.Context, run *sagaRun) error {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	run.tx = tx

	if err := o.orders.Insert(ctx, tx, run.order); err != nil {
		return err
	}

	// A failed Reserve may still have reserved stock on the catalog side.
	run.reserved = true
	if err := o.catalog.Reserve(ctx, run.cmd.Items); err != nil {
		return fmt.Errorf("reserve products: %w", err)
	}

	if err := run.order.UpdateStatus(domain.OrderStatusConfirmed); err != nil {
		return err
	}

	msgs, err := toOutbox(run.order, run.order.PullEvents(), o.opts.Destination)
	if err != nil {
		return err
	}

	if err := appendAll(ctx, o.outbox, tx, msgs); err != nil {
		return err
	}

	if err := o.orders.Update(ctx, tx, run.order); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	run.committed = true

	return nil
}

// abort rolls back the open transaction and undoes external side effects in
// reverse order. Compensation failures are logged, never returned.
func (o *Orchestrator) abort(ctx context.Context, run *sagaRun) {
	if run.committed {
		return
	}

	if run.tx != nil {
		rollback(ctx, o.logger, run.tx)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CompensationTimeout)
	defer cancel()

	if run.reserved {
		if err := o.catalog.Release(cctx, run.cmd.Items); err != nil {
			mylogger.Error(
				cctx,
				o.logger,
				"Compensation failed: release reservation",
				zap.String("order_id", run.order.ID.String()),
				zap.Error(err),
			)
		}
	}

	if run.charge != nil {
		res, err := o.payment.Refund(cctx, port.RefundRequest{
			PaymentID: run.charge.TransactionID,
			OrderID:   run.order.ID,
			Amount:    run.order.TotalAmount,
			Currency:  o.opts.Currency,
		})

		switch {
		case err != nil:
			mylogger.Error(
				cctx,
				o.logger,
				"Compensation failed: refund",
				zap.String("order_id", run.order.ID.String()),
				zap.String("transaction_id", run.charge.TransactionID),
				zap.Error(err),
			)
		case !res.Success:
			mylogger.Error(
				cctx,
				o.logger,
				"Compensation failed: refund declined",
				zap.String("order_id", run.order.ID.String()),
				zap.String("transaction_id", run.charge.TransactionID),
				zap.String("reason", res.ErrorMessage),
			)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, span trace.Span, result OrderResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failed"
		span.SetStatus(codes.Error, result.ErrorMessage)
	}

	o.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func pricedItems(items []port.ItemRequest, availability port.AvailabilityResult) []domain.ItemData {
	return lo.Map(items, func(it port.ItemRequest, _ int) domain.ItemData {
		info := availability.Products[it.ProductID]

		return domain.ItemData{
			ProductID:   it.ProductID,
			ProductName: info.Name,
			UnitPrice:   info.UnitPrice,
			Quantity:    it.Quantity,
		}
	})
}
