package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultBatchSize      = 10
	DefaultPublishTimeout = 10 * time.Second
)

type Store interface {
	FetchUnprocessed(ctx context.Context, batchSize int) ([]*domain.Message, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

type Publisher interface {
	Publish(ctx context.Context, delivery domain.Delivery) error
}

// Lease is optional. When set, a tick only runs while the lease is held.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Options struct {
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	Lease          Lease
}

type TickStats struct {
	Fetched   int
	Published int
	Failed    int
}

type OutboxRelay struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	opts      Options
	tracer    trace.Tracer

	published metric.Int64Counter
	failed    metric.Int64Counter
}

func NewOutboxRelay(store Store, publisher Publisher, logger *zap.Logger, opts Options) *OutboxRelay {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}

	meter := otel.Meter("outbox-relay")
	published, _ := meter.Int64Counter(
		"outbox.relay.published",
		metric.WithDescription("Outbox messages published and marked processed"),
	)
	failed, _ := meter.Int64Counter(
		"outbox.relay.failed",
		metric.WithDescription("Outbox publish attempts that failed and stay pending"),
	)

	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		tracer:    otel.Tracer("outbox-relay"),
		published: published,
		failed:    failed,
	}
}

// Run drains the outbox until ctx is cancelled. Cancellation stops new ticks;
// a message already handed to the publisher still gets its mark persisted.
func (r *OutboxRelay) Run(ctx context.Context) {
	mylogger.Info(
		ctx,
		r.logger,
		"Starting outbox relay",
		zap.Duration("interval", r.opts.Interval),
		zap.Int("batch_size", r.opts.BatchSize),
	)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	defer r.releaseLease(ctx)

	for {
		if _, err := r.Tick(ctx); err != nil {
			mylogger.Error(
				ctx,
				r.logger,
				"Error processing outbox batch",
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			mylogger.Info(
				ctx,
				r.logger,
				"Outbox relay stopping",
			)

			return
		case <-ticker.C:
		}
	}
}

// Tick runs one fetch/publish/mark pass. A failure on one message never aborts
// the batch: it is recorded and left pending for the next tick.
func (r *OutboxRelay) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	if ctx.Err() != nil {
		return stats, nil
	}

	ctx, span := r.tracer.Start(ctx, "OutboxRelay.Tick")
	defer span.End()

	if r.opts.Lease != nil {
		held, err := r.opts.Lease.TryAcquire(ctx)
		if err != nil {
			span.RecordError(err)
			return stats, fmt.Errorf("failed to acquire relay lease: %w", err)
		}

		if !held {
			mylogger.Debug(ctx, r.logger, "Relay lease held by another instance, skipping tick")
			return stats, nil
		}
	}

	messages, err := r.store.FetchUnprocessed(ctx, r.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("failed to fetch unprocessed messages: %w", err)
	}

	stats.Fetched = len(messages)
	span.SetAttributes(attribute.Int("outbox.fetched", stats.Fetched))

	if len(messages) == 0 {
		return stats, nil
	}

	mylogger.Debug(
		ctx,
		r.logger,
		"Processing outbox messages",
		zap.Int("count", len(messages)),
	)

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}

		if r.deliver(ctx, msg) {
			stats.Published++
		} else {
			stats.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.published", stats.Published),
		attribute.Int("outbox.failed", stats.Failed),
	)

	return stats, nil
}

// deliver runs the publish/mark pair on a context detached from cancellation
// so shutdown cannot split it.
func (r *OutboxRelay) deliver(ctx context.Context, msg *domain.Message) bool {
	pairCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PublishTimeout)
	defer cancel()

	attrs := metric.WithAttributes(
		attribute.String("destination", msg.Destination),
		attribute.String("event_type", msg.EventType),
	)

	if err := r.publisher.Publish(pairCtx, msg.Delivery()); err != nil {
		r.failed.Add(pairCtx, 1, attrs)

		mylogger.Error(
			pairCtx,
			r.logger,
			"Outbox relay publish failed",
			zap.String("message_id", msg.ID.String()),
			zap.String("event_type", msg.EventType),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err),
		)

		if dbErr := r.store.MarkFailed(pairCtx, msg.ID, err.Error()); dbErr != nil {
			mylogger.Error(
				pairCtx,
				r.logger,
				"Outbox relay mark failed failed",
				zap.String("message_id", msg.ID.String()),
				zap.Error(dbErr),
			)
		}

		return false
	}

	if err := r.store.MarkProcessed(pairCtx, msg.ID); err != nil {
		// published but not marked: it goes out again next tick
		mylogger.Error(
			pairCtx,
			r.logger,
			"Outbox relay mark processed failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)

		return false
	}

	r.published.Add(pairCtx, 1, attrs)

	mylogger.Debug(
		pairCtx,
		r.logger,
		"Outbox message published",
		zap.String("message_id", msg.ID.String()),
		zap.String("destination", msg.Destination),
	)

	return true
}

func (r *OutboxRelay) releaseLease(ctx context.Context) {
	if r.opts.Lease == nil {
		return
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err := r.opts.Lease.Release(releaseCtx); err != nil {
		mylogger.Warn(releaseCtx, r.logger, "Failed to release relay lease", zap.Error(err))
	}
}
