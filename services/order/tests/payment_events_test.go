package tests

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	generalDomain "github.com/sakashimaa/go-order-saga/pkg/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/port"
	"github.com/sakashimaa/go-order-saga/services/order/internal/repository"
	transport "github.com/sakashimaa/go-order-saga/services/order/internal/transport/kafka"
	"github.com/stretchr/testify/mock"
)

func (s *IntegrationTestSuite) placeOrder() uuid.UUID {
	p := newProduct(1, "20.00")
	cmd := s.command(p)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(available(p), nil).Once()
	s.catalog.On("Reserve", mock.Anything, cmd.Items).Return(nil).Once()
	s.payment.On("Charge", mock.Anything, mock.Anything).
		Return(port.PaymentResult{Success: true, TransactionID: "tx"}, nil).Once()

	res := s.orchestrator.ProcessOrder(s.Ctx, cmd)
	s.Require().True(res.Success, res.ErrorMessage)

	return res.OrderID
}

func (s *IntegrationTestSuite) TestPaymentSucceeded_MarksOrderPaidOnce() {
	orderID := s.placeOrder()
	messageID := uuid.New()
	event := &generalDomain.PaymentSucceededEvent{OrderID: orderID, TransactionID: "tx"}

	s.Require().NoError(s.orderService.HandlePaymentSucceeded(s.Ctx, messageID, event))
	s.Require().NoError(s.orderService.HandlePaymentSucceeded(s.Ctx, messageID, event))

	order, err := s.orderService.GetOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPaid, order.Status)
	s.Len(order.Items, 1)

	s.Equal(1, s.count("processed_messages"))
}

func (s *IntegrationTestSuite) TestPaymentFailed_CancelsAndEmitsEvent() {
	orderID := s.placeOrder()

	err := s.orderService.HandlePaymentFailed(s.Ctx, uuid.New(), &generalDomain.PaymentFailedEvent{
		OrderID: orderID,
		Reason:  "card expired",
	})
	s.Require().NoError(err)

	order, err := s.orderService.GetOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, order.Status)
	s.Equal("card expired", order.CancelReason)

	var n int
	err = s.DbPool.QueryRow(
		s.Ctx,
		"SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1 AND event_type = $2",
		orderID.String(),
		generalDomain.EventOrderCancelled,
	).Scan(&n)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *IntegrationTestSuite) TestPaymentFailed_AfterPaidIsRejectedWithoutSideEffects() {
	orderID := s.placeOrder()

	s.Require().NoError(s.orderService.HandlePaymentSucceeded(s.Ctx, uuid.New(), &generalDomain.PaymentSucceededEvent{OrderID: orderID}))

	err := s.orderService.HandlePaymentFailed(s.Ctx, uuid.New(), &generalDomain.PaymentFailedEvent{OrderID: orderID})
	s.Require().ErrorIs(err, domain.ErrConflict)

	order, err := s.orderService.GetOrder(s.Ctx, orderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPaid, order.Status)

	// the rejected message is not recorded, so a fixed producer could redeliver it
	s.Equal(1, s.count("processed_messages"))
}

func (s *IntegrationTestSuite) TestPaymentEvent_UnknownOrder() {
	err := s.orderService.HandlePaymentSucceeded(s.Ctx, uuid.New(), &generalDomain.PaymentSucceededEvent{OrderID: uuid.New()})
	s.Require().True(errors.Is(err, repository.ErrOrderNotFound))

	s.Zero(s.count("processed_messages"))
}

func (s *IntegrationTestSuite) TestPaymentEvent_ConsumedFromKafka() {
	orderID := s.placeOrder()

	envelope := map[string]any{
		"event":   generalDomain.EventPaymentSucceeded,
		"payload": generalDomain.PaymentSucceededEvent{OrderID: orderID, TransactionID: "tx"},
	}
	s.Require().NoError(s.Producer.ProduceMessage(s.Ctx, generalDomain.PaymentEventsDestination, envelope))

	ctx, cancel := context.WithCancel(s.Ctx)
	done := make(chan error, 1)
	go func() {
		consumer := transport.NewConsumer(s.orderService, s.Logger)
		done <- consumer.Start(ctx, s.KafkaBrokers, "order-service-test-"+uuid.NewString())
	}()
	defer func() {
		cancel()
		s.NoError(<-done)
	}()

	s.Require().Eventually(func() bool {
		order, err := s.orderService.GetOrder(s.Ctx, orderID)
		return err == nil && order.Status == domain.OrderStatusPaid
	}, 30*time.Second, 200*time.Millisecond)
}
