package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	generalDomain "github.com/sakashimaa/go-order-saga/pkg/domain"
	"github.com/sakashimaa/go-order-saga/pkg/kafka"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/services/order/internal/domain"
	"github.com/sakashimaa/go-order-saga/services/order/internal/repository"
	"github.com/sakashimaa/go-order-saga/services/order/internal/service"
	"go.uber.org/zap"
)

type Consumer struct {
	service service.OrderService
	logger  *zap.Logger
}

func NewConsumer(service service.OrderService, logger *zap.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string, groupID string) error {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		groupID,
		[]string{generalDomain.PaymentEventsDestination},
		c.ProcessMessage,
		c.logger,
	)

	return consumerGroup.Run(ctx)
}

// eventEnvelope is the legacy wrapper for producers that do not set the
// event_type header.
type eventEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ProcessMessage returns an error only for failures worth redelivering.
// Malformed payloads and rejected transitions are logged and acknowledged.
func (c *Consumer) ProcessMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	eventType := kafka.HeaderValue(msg, kafka.HeaderEventType)
	payload := json.RawMessage(msg.Value)

	if eventType == "" {
		var envelope eventEnvelope
		if err := json.Unmarshal(msg.Value, &envelope); err != nil {
			mylogger.Error(ctx, c.logger, "Error unmarshalling envelope", zap.Error(err))
			return nil
		}

		eventType, payload = envelope.Event, envelope.Payload
	}

	messageID, _ := uuid.Parse(kafka.HeaderValue(msg, kafka.HeaderMessageID))

	mylogger.Info(
		ctx,
		c.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
		zap.String("event_type", eventType),
		zap.String("message_id", messageID.String()),
	)

	var err error
	switch eventType {
	case generalDomain.EventPaymentSucceeded:
		var event generalDomain.PaymentSucceededEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return nil
		}

		err = c.service.HandlePaymentSucceeded(ctx, messageID, &event)
	case generalDomain.EventPaymentFailed:
		var event generalDomain.PaymentFailedEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return nil
		}

		err = c.service.HandlePaymentFailed(ctx, messageID, &event)
	default:
		mylogger.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", eventType))
		return nil
	}

	if err == nil {
		return nil
	}

	if errors.Is(err, repository.ErrOrderNotFound) || errors.Is(err, domain.ErrConflict) {
		mylogger.Warn(
			ctx,
			c.logger,
			"Dropping payment event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)

		return nil
	}

	mylogger.Error(ctx, c.logger, "Failed to handle payment event", zap.Error(err))
	return err
}
