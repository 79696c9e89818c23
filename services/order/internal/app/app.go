package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/db"
	"github.com/sakashimaa/go-order-saga/pkg/kafka"
	outboxRepository "github.com/sakashimaa/go-order-saga/pkg/outbox/repository"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/worker"
	"github.com/sakashimaa/go-order-saga/pkg/rabbitmq"
	"github.com/sakashimaa/go-order-saga/services/order/internal/client"
	"github.com/sakashimaa/go-order-saga/services/order/internal/repository"
	"github.com/sakashimaa/go-order-saga/services/order/internal/service"
	"go.uber.org/zap"
)

// App holds the wired order service components shared by the binaries.
type App struct {
	Pool         *pgxpool.Pool
	Orchestrator *service.Orchestrator
	OrderService service.OrderService
	Relay        *worker.OutboxRelay

	publisher Publisher
}

// Publisher is a relay transport that owns broker resources.
type Publisher interface {
	worker.Publisher
	Close() error
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	publisher, err := NewPublisher(ctx, cfg.Transport, cfg.Relay.PublishTimeout, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	orderRepo := repository.NewOrderRepository(logger)
	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)

	orchestrator := service.NewOrchestrator(
		pool,
		orderRepo,
		outboxRepo,
		client.NewCatalogClient(cfg.Services, cfg.Breaker, logger),
		client.NewPaymentClient(cfg.Services, cfg.Breaker, logger),
		logger,
		service.OrchestratorOptions{
			Currency:      cfg.Saga.Currency,
			PaymentMethod: cfg.Saga.PaymentMethod,
			Destination:   cfg.Saga.Destination,
		},
	)

	relay := worker.NewOutboxRelay(outboxRepo, publisher, logger, worker.Options{
		Interval:       cfg.Relay.Interval,
		BatchSize:      cfg.Relay.BatchSize,
		PublishTimeout: cfg.Relay.PublishTimeout,
		Lease:          outboxRepository.NewAdvisoryLease(pool, cfg.Relay.LeaseKey),
	})

	return &App{
		Pool:         pool,
		Orchestrator: orchestrator,
		OrderService: service.NewOrderService(pool, logger, orderRepo, outboxRepo, cfg.Saga.Destination),
		Relay:        relay,
		publisher:    publisher,
	}, nil
}

// NewPublisher returns the relay transport selected by cfg.Kind. timeout
// bounds broker requests the transport cannot tie to a context.
func NewPublisher(ctx context.Context, cfg config.Transport, timeout time.Duration, logger *zap.Logger) (Publisher, error) {
	switch cfg.Kind {
	case config.TransportKafka:
		p, err := kafka.NewProducer(cfg.Kafka.Brokers, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("error creating kafka producer: %w", err)
		}
		return p, nil
	case config.TransportRabbitMQ:
		p, err := rabbitmq.NewPublisher(ctx, cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("error creating rabbitmq publisher: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func (a *App) Close() error {
	err := a.publisher.Close()
	a.Pool.Close()

	return err
}
