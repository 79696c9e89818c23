package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const dialAttempts = 10

var ErrPublisherClosed = errors.New("rabbitmq publisher closed")

// Publisher sends outbox deliveries to the durable queue named by the
// delivery destination. It owns one connection, redialled when the broker
// drops it, and a bounded pool of confirm-mode channels shared by callers.
type Publisher struct {
	url     string
	backoff time.Duration
	logger  *zap.Logger

	slots *semaphore.Weighted
	idle  chan *amqp.Channel

	mu       sync.Mutex
	conn     *amqp.Connection
	declared map[string]struct{}
	closed   bool
}

func NewPublisher(ctx context.Context, cfg config.RabbitMQ, logger *zap.Logger) (*Publisher, error) {
	size := cfg.ChannelPool
	if size <= 0 {
		size = 1
	}

	backoff := cfg.DialBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	p := &Publisher{
		url:      cfg.URL,
		backoff:  backoff,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(size)),
		idle:     make(chan *amqp.Channel, size),
		declared: make(map[string]struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.connectionLocked(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, delivery domain.Delivery) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for rabbitmq channel: %w", err)
	}
	defer p.slots.Release(1)

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	if err := p.publish(ctx, ch, delivery); err != nil {
		// a failed channel may be half-closed by the broker
		_ = ch.Close()
		return err
	}

	p.putBack(ch)

	return nil
}

func (p *Publisher) publish(ctx context.Context, ch *amqp.Channel, delivery domain.Delivery) error {
	if err := p.declare(ch, delivery.Destination); err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",
		delivery.Destination,
		false,
		false,
		amqp.Publishing{
			MessageId:     delivery.MessageID.String(),
			Type:          delivery.EventType,
			CorrelationId: delivery.Key,
			ContentType:   "application/json",
			Body:          delivery.Body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", delivery.MessageID)
	}

	mylogger.Debug(
		ctx,
		p.logger,
		"Published message",
		zap.String("message_id", delivery.MessageID.String()),
		zap.String("queue", delivery.Destination),
	)

	return nil
}

func (p *Publisher) declare(ch *amqp.Channel, queue string) error {
	p.mu.Lock()
	_, ok := p.declared[queue]
	p.mu.Unlock()

	if ok {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	p.mu.Lock()
	p.declared[queue] = struct{}{}
	p.mu.Unlock()

	return nil
}

// channel returns an idle open channel or opens a new one. Callers must hold
// a slot, so at most cap(idle) channels exist at once.
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		select {
		case ch := <-p.idle:
			if !ch.IsClosed() {
				return ch, nil
			}
		default:
			return p.openChannel(ctx)
		}
	}
}

func (p *Publisher) openChannel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return ch, nil
}

func (p *Publisher) putBack(ch *amqp.Channel) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = ch.Close()
		return
	}

	select {
	case p.idle <- ch:
	default:
		_ = ch.Close()
	}
}

// connectionLocked returns the live connection, dialling with backoff when
// there is none. p.mu must be held.
func (p *Publisher) connectionLocked(ctx context.Context) (*amqp.Connection, error) {
	if p.closed {
		return nil, ErrPublisherClosed
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn, nil
	}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp.Dial(p.url)
		if err == nil {
			p.conn = conn
			p.watch(conn)

			return conn, nil
		}

		lastErr = err
		mylogger.Warn(
			ctx,
			p.logger,
			"Failed to connect to RabbitMQ, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", p.backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", ctx.Err())
		case <-time.After(p.backoff):
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", lastErr)
}

func (p *Publisher) watch(conn *amqp.Connection) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		amqpErr, ok := <-closes
		if !ok || amqpErr == nil {
			return
		}

		mylogger.Warn(
			context.Background(),
			p.logger,
			"RabbitMQ connection closed, will redial on next publish",
			zap.String("reason", amqpErr.Reason),
			zap.Int("code", amqpErr.Code),
		)

		p.mu.Lock()
		if p.conn == conn {
			p.declared = make(map[string]struct{})
		}
		p.mu.Unlock()
	}()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

drain:
	for {
		select {
		case ch := <-p.idle:
			_ = ch.Close()
		default:
			break drain
		}
	}

	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}

	return p.conn.Close()
}
