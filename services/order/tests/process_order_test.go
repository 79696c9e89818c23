package tests

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sakashimaa/go-order-saga/pkg/domain"
	"github.com/sakashimaa/go-order-saga/pkg/kafka"
	"github.com/sakashimaa/go-order-saga/services/order/internal/port"
	"github.com/sakashimaa/go-order-saga/services/order/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

func (s *IntegrationTestSuite) TestProcessOrder_Success() {
	first, second := newProduct(2, "10.50"), newProduct(1, "4.00")
	cmd := s.command(first, second)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(available(first, second), nil).Once()
	s.catalog.On("Reserve", mock.Anything, cmd.Items).Return(nil).Once()
	s.payment.On("Charge", mock.Anything, mock.MatchedBy(func(req port.ChargeRequest) bool {
		return req.Amount.Equal(decimal.RequireFromString("25.00")) && req.Currency == "USD"
	})).Return(port.PaymentResult{Success: true, TransactionID: "tx-1"}, nil).Once()

	res := s.orchestrator.ProcessOrder(s.Ctx, cmd)
	s.Require().True(res.Success, res.ErrorMessage)
	s.Require().NotEqual(uuid.Nil, res.OrderID)
	s.Require().Regexp(`^ORD-\d{8}-[0-9A-F]{8}$`, res.OrderNumber)

	var (
		status string
		total  decimal.Decimal
	)
	err := s.DbPool.QueryRow(s.Ctx, "SELECT status, total_amount FROM orders WHERE id = $1", res.OrderID).
		Scan(&status, &total)
	s.Require().NoError(err)
	s.Equal("confirmed", status)
	s.True(total.Equal(decimal.RequireFromString("25.00")))
	s.Equal(2, s.count("order_items"))

	var (
		messageID   uuid.UUID
		eventType   string
		isProcessed bool
	)
	err = s.DbPool.QueryRow(
		s.Ctx,
		"SELECT id, event_type, is_processed FROM outbox WHERE aggregate_id = $1",
		res.OrderID.String(),
	).Scan(&messageID, &eventType, &isProcessed)
	s.Require().NoError(err)
	s.Equal(domain.EventOrderCreated, eventType)
	s.False(isProcessed)

	stats, err := s.relay.Tick(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Published)

	err = s.DbPool.QueryRow(s.Ctx, "SELECT is_processed FROM outbox WHERE id = $1", messageID).Scan(&isProcessed)
	s.Require().NoError(err)
	s.True(isProcessed)

	msg := s.consume(domain.OrderEventsDestination, messageID)
	s.Equal(domain.EventOrderCreated, kafka.HeaderValue(msg, kafka.HeaderEventType))
	s.Equal(res.OrderID.String(), string(msg.Key))

	s.Contains(string(msg.Value), `"TotalAmount":25.00`)

	var payload domain.OrderCreatedPayload
	s.Require().NoError(json.Unmarshal(msg.Value, &payload))
	s.Equal(res.OrderID, payload.OrderId)
	s.Equal(cmd.UserID, payload.UserId)
	s.Equal("Confirmed", payload.Status)
	s.True(payload.TotalAmount.Equal(decimal.RequireFromString("25.00")))
}

func (s *IntegrationTestSuite) TestProcessOrder_ProductsUnavailable() {
	p := newProduct(5, "3.00")
	cmd := s.command(p)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(port.AvailabilityResult{
		Unavailable: []port.UnavailableProduct{
			{ProductID: p.request.ProductID, ProductName: "Widget", Requested: 5, Available: 1},
		},
	}, nil).Once()

	res := s.orchestrator.ProcessOrder(s.Ctx, cmd)
	s.False(res.Success)
	s.Contains(res.ErrorMessage, "Products not available")
	s.Contains(res.ErrorMessage, "Widget")

	s.Zero(s.count("orders"))
	s.Zero(s.count("outbox"))
	s.payment.AssertNotCalled(s.T(), "Charge", mock.Anything, mock.Anything)
}

func (s *IntegrationTestSuite) TestProcessOrder_PaymentDeclined() {
	p := newProduct(1, "99.99")
	cmd := s.command(p)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(available(p), nil).Once()
	s.payment.On("Charge", mock.Anything, mock.Anything).
		Return(port.PaymentResult{ErrorMessage: "insufficient funds"}, nil).Once()

	res := s.orchestrator.ProcessOrder(s.Ctx, cmd)
	s.False(res.Success)
	s.Equal("Payment failed: insufficient funds", res.ErrorMessage)

	s.Zero(s.count("orders"))
	s.Zero(s.count("outbox"))
	s.catalog.AssertNotCalled(s.T(), "Reserve", mock.Anything, mock.Anything)
}

func (s *IntegrationTestSuite) TestProcessOrder_ReservationFailureRollsBackAndRefunds() {
	p := newProduct(1, "12.00")
	cmd := s.command(p)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(available(p), nil).Once()
	s.payment.On("Charge", mock.Anything, mock.Anything).
		Return(port.PaymentResult{Success: true, TransactionID: "tx-9"}, nil).Once()
	s.catalog.On("Reserve", mock.Anything, cmd.Items).Return(errors.New("stock moved")).Once()
	s.catalog.On("Release", mock.Anything, cmd.Items).Return(nil).Once()
	s.payment.On("Refund", mock.Anything, mock.MatchedBy(func(req port.RefundRequest) bool {
		return req.PaymentID == "tx-9"
	})).Return(port.PaymentResult{Success: true}, nil).Once()

	res := s.orchestrator.ProcessOrder(s.Ctx, cmd)
	s.False(res.Success)
	s.Contains(res.ErrorMessage, "Order processing failed")

	s.Zero(s.count("orders"))
	s.Zero(s.count("order_items"))
	s.Zero(s.count("outbox"))
	s.catalog.AssertExpectations(s.T())
}

func (s *IntegrationTestSuite) TestProcessOrder_ConcurrentPlacementsAreIndependent() {
	const n = 8

	p := newProduct(1, "1.00")
	cmd := s.command(p)

	s.catalog.On("CheckAvailability", mock.Anything, cmd.Items).Return(available(p), nil).Times(n)
	s.catalog.On("Reserve", mock.Anything, cmd.Items).Return(nil).Times(n)
	s.payment.On("Charge", mock.Anything, mock.Anything).
		Return(port.PaymentResult{Success: true, TransactionID: "tx"}, nil).Times(n)

	results := make([]service.OrderResult, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.orchestrator.ProcessOrder(s.Ctx, cmd)
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]struct{}, n)
	for _, res := range results {
		s.Require().True(res.Success, res.ErrorMessage)
		seen[res.OrderID] = struct{}{}
	}
	s.Len(seen, n)

	s.Equal(n, s.count("orders"))
	s.Equal(n, s.count("outbox"))
}

// consume reads the topic from the beginning until the message carrying
// messageID shows up.
func (s *IntegrationTestSuite) consume(topic string, messageID uuid.UUID) *sarama.ConsumerMessage {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(s.KafkaBrokers, cfg)
	s.Require().NoError(err)
	defer func() {
		_ = consumer.Close()
	}()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetOldest)
	s.Require().NoError(err)
	defer func() {
		_ = pc.Close()
	}()

	timeout := time.After(15 * time.Second)
	for {
		select {
		case msg := <-pc.Messages():
			if kafka.HeaderValue(msg, kafka.HeaderMessageID) == messageID.String() {
				return msg
			}
		case err := <-pc.Errors():
			s.Require().NoError(err)
		case <-timeout:
			s.FailNow("message not delivered", "message_id=%s", messageID)
			return nil
		}
	}
}
