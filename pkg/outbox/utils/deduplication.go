package utils

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var errAlreadyProcessed = errors.New("message already processed")

// ProcessOnce runs action at most once per (consumer, messageID). The dedupe
// row and the action's writes share one transaction, so a redelivered message
// either finds the row and is skipped or finds nothing and runs again.
func ProcessOnce(
	ctx context.Context,
	db Beginner,
	logger *zap.Logger,
	consumer string,
	messageID uuid.UUID,
	action func(ctx context.Context, tx pgx.Tx) error,
) error {
	span := trace.SpanFromContext(ctx)

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		shutdownCtx := context.WithoutCancel(ctx)

		if err := tx.Rollback(shutdownCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			mylogger.Error(
				shutdownCtx,
				logger,
				"Error rolling back transaction",
				zap.Error(err),
			)
		}
	}()

	if err := markSeen(ctx, tx, consumer, messageID); err != nil {
		if errors.Is(err, errAlreadyProcessed) {
			mylogger.Info(
				ctx,
				logger,
				"Message already processed, skipping",
				zap.String("consumer", consumer),
				zap.String("message_id", messageID.String()),
			)

			return nil
		}

		span.RecordError(err)
		return err
	}

	if err := action(ctx, tx); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			logger,
			"Failed to commit transaction",
			zap.Error(err),
		)

		return fmt.Errorf("failed to commit processed message: %w", err)
	}

	return nil
}

func markSeen(ctx context.Context, tx pgx.Tx, consumer string, messageID uuid.UUID) error {
	query := `
		INSERT INTO processed_messages (consumer, message_id)
		VALUES ($1, $2)
	`

	if _, err := tx.Exec(ctx, query, consumer, messageID); err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == uniqueViolation {
			return errAlreadyProcessed
		}

		return fmt.Errorf("failed to record processed message: %w", err)
	}

	return nil
}
