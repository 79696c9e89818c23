package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OutboxRepository struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		pool:   pool,
		tracer: otel.Tracer("contract/outbox_repo"),
		logger: logger,
	}
}

// Append writes msg using the caller's transaction. It never commits: the row
// becomes visible together with whatever else tx carries.
func (r *OutboxRepository) Append(ctx context.Context, tx pgx.Tx, msg *domain.Message) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.Append")
	defer span.End()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	span.SetAttributes(
		attribute.String("message_id", msg.ID.String()),
		attribute.String("aggregate_id", msg.AggregateID),
		attribute.String("event_type", msg.EventType),
	)

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, destination, payload, created_at, is_processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`

	_, err := tx.Exec(
		ctx,
		query,
		msg.ID,
		msg.AggregateType,
		msg.AggregateID,
		msg.EventType,
		msg.Destination,
		[]byte(msg.Payload),
		msg.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to insert outbox message: %w", err)
	}

	return nil
}

// FetchUnprocessed returns up to batchSize pending messages, oldest first.
func (r *OutboxRepository) FetchUnprocessed(ctx context.Context, batchSize int) ([]*domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.FetchUnprocessed")
	defer span.End()

	span.SetAttributes(
		attribute.Int("batch_size", batchSize),
	)

	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, destination, payload,
			created_at, processed_at, is_processed, attempts, last_error
		FROM outbox
		WHERE is_processed = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, batchSize)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("failed to query unprocessed messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID,
			&m.AggregateType,
			&m.AggregateID,
			&m.EventType,
			&m.Destination,
			&m.Payload,
			&m.CreatedAt,
			&m.ProcessedAt,
			&m.IsProcessed,
			&m.Attempts,
			&m.LastError,
		); err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning message: %w", err)
		}

		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("rows error: %w", err)
	}

	span.SetAttributes(
		attribute.Int("result_count", len(messages)),
	)

	return messages, nil
}

// MarkProcessed is idempotent. A row that is already processed, or no longer
// exists, is left alone and no error is returned.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkProcessed")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
	)

	query := `
		UPDATE outbox
		SET is_processed = TRUE, processed_at = NOW(), last_error = NULL
		WHERE id = $1 AND is_processed = FALSE
	`

	commandTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to mark message processed: %w", err)
	}

	if commandTag.RowsAffected() == 0 {
		mylogger.Debug(
			ctx,
			r.logger,
			"Outbox message already processed or gone",
			zap.String("message_id", id.String()),
		)
	}

	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkFailed")
	defer span.End()

	span.SetAttributes(
		attribute.String("message_id", id.String()),
		attribute.String("outbox.error_message", errMsg),
	)

	query := `
		UPDATE outbox
		SET attempts = attempts + 1,
			last_error = $1
		WHERE id = $2 AND is_processed = FALSE
	`

	if _, err := r.pool.Exec(ctx, query, errMsg, id); err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to mark message failed: %w", err)
	}

	return nil
}
