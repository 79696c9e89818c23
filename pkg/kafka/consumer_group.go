package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

const (
	defaultHandleAttempts = 5
	defaultHandleBackoff  = 200 * time.Millisecond
	defaultConsumeBackoff = 2 * time.Second
)

type ConsumerGroup struct {
	brokers     []string
	groupID     string
	topics      []string
	handlerFunc HandlerFunc
	logger      *zap.Logger

	handleAttempts int
	handleBackoff  time.Duration
	consumeBackoff time.Duration
}

func NewConsumerGroup(
	brokers []string,
	groupID string,
	topics []string,
	handlerFunc HandlerFunc,
	logger *zap.Logger,
) *ConsumerGroup {
	return &ConsumerGroup{
		brokers:     brokers,
		groupID:     groupID,
		topics:      topics,
		handlerFunc: handlerFunc,
		logger:      logger,

		handleAttempts: defaultHandleAttempts,
		handleBackoff:  defaultHandleBackoff,
		consumeBackoff: defaultConsumeBackoff,
	}
}

// Run consumes until ctx is cancelled. A failing handler is retried in place
// with backoff. If it keeps failing the claim ends without marking the message,
// and the next session resumes from the last committed offset.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, config)
	if err != nil {
		return fmt.Errorf("error creating consumer group %s: %w", c.groupID, err)
	}

	defer func() {
		if err := group.Close(); err != nil {
			mylogger.Error(ctx, c.logger, "Error closing consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			mylogger.Warn(ctx, c.logger, "Consumer group error", zap.Error(err))
		}
	}()

	consumer := c.newHandler()

	return c.loop(ctx, func() error {
		return group.Consume(ctx, c.topics, consumer)
	})
}

func (c *ConsumerGroup) newHandler() *saramaHandler {
	return &saramaHandler{
		handler:  c.handlerFunc,
		logger:   c.logger,
		attempts: max(c.handleAttempts, 1),
		backoff:  c.handleBackoff,
	}
}

// loop calls consume until ctx is done, waiting consumeBackoff after a failure.
func (c *ConsumerGroup) loop(ctx context.Context, consume func() error) error {
	for {
		err := consume()
		if ctx.Err() != nil {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer")
			return nil
		}

		if err == nil {
			continue
		}

		mylogger.Error(ctx, c.logger, "Error consuming in consumer loop", zap.Error(err))

		if !sleep(ctx, c.consumeBackoff) {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer")
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type saramaHandler struct {
	handler  HandlerFunc
	logger   *zap.Logger
	attempts int
	backoff  time.Duration
}

func (h *saramaHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *saramaHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim returns the handler error once retries are exhausted. Sarama
// then cancels the session, so no later offset of the partition is marked
// past the failed message.
func (h *saramaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.handle(session, msg); err != nil {
				if session.Context().Err() != nil {
					return nil
				}

				return fmt.Errorf("message %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}

			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *saramaHandler) handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	ctx, span := h.extractTracing(session.Context(), msg)
	defer span.End()

	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		if err = h.handler(ctx, msg); err == nil {
			return nil
		}

		span.RecordError(err)

		mylogger.Error(
			ctx,
			h.logger,
			"Failed to process message",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == h.attempts {
			break
		}

		if !sleep(ctx, h.backoff*time.Duration(attempt)) {
			return ctx.Err()
		}
	}

	return err
}

func (h *saramaHandler) extractTracing(ctx context.Context, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[string(header.Key)] = string(header.Value)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	return otel.Tracer("pkg/kafka/consumer").Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
