package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	HeaderMessageID = "message_id"
	HeaderEventType = "event_type"
)

type Producer interface {
	// Publish sends an outbox delivery to the topic named by its destination.
	Publish(ctx context.Context, delivery domain.Delivery) error
	// ProduceMessage sends message as JSON without outbox headers.
	ProduceMessage(ctx context.Context, topic string, message any) error
	Close() error
}

type producer struct {
	syncProducer sarama.SyncProducer
	logger       *zap.Logger
}

// NewProducer returns a synchronous producer. SendMessage cannot be cancelled,
// so a positive timeout bounds each broker request instead. The worst case for
// one send is roughly timeout times the retry count.
func NewProducer(brokers []string, timeout time.Duration, logger *zap.Logger) (Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, producerConfig(timeout))
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	return newProducer(p, logger), nil
}

func producerConfig(timeout time.Duration) *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	if timeout > 0 {
		config.Producer.Timeout = timeout
		config.Net.DialTimeout = timeout
		config.Net.ReadTimeout = timeout
		config.Net.WriteTimeout = timeout
		config.Metadata.Timeout = timeout
	}

	return config
}

func newProducer(p sarama.SyncProducer, logger *zap.Logger) *producer {
	return &producer{syncProducer: p, logger: logger}
}

func (p *producer) Publish(ctx context.Context, delivery domain.Delivery) error {
	headers := traceHeaders(ctx)
	headers = append(headers,
		sarama.RecordHeader{Key: []byte(HeaderMessageID), Value: []byte(delivery.MessageID.String())},
		sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(delivery.EventType)},
	)

	msg := &sarama.ProducerMessage{
		Topic:   delivery.Destination,
		Key:     sarama.StringEncoder(delivery.Key),
		Value:   sarama.ByteEncoder(delivery.Body),
		Headers: headers,
	}

	return p.send(ctx, msg)
}

func (p *producer) ProduceMessage(ctx context.Context, topic string, message any) error {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("error marshaling message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(jsonMsg),
		Headers: traceHeaders(ctx),
	}

	return p.send(ctx, msg)
}

func (p *producer) send(ctx context.Context, msg *sarama.ProducerMessage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}

	partition, offset, err := p.syncProducer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Message sent",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

func (p *producer) Close() error {
	return p.syncProducer.Close()
}

func traceHeaders(ctx context.Context) []sarama.RecordHeader {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]sarama.RecordHeader, 0, len(carrier)+2)
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	return headers
}

// HeaderValue returns the value of the first header with the given key.
func HeaderValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}

	return ""
}
