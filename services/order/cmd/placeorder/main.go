// Command placeorder runs the order placement saga for a command read from a
// JSON file. It is used for smoke tests against a local stack.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/services/order/internal/app"
	"github.com/sakashimaa/go-order-saga/services/order/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		commandPath = flag.String("command", "order.json", "path to a JSON place-order command")
		parallel    = flag.Int("n", 1, "number of concurrent placements of the same command")
		relay       = flag.Bool("relay", false, "run one outbox relay tick after placement")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("error loading .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(cfg.LoggerConfig("order-placeorder"))
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	raw, err := os.ReadFile(*commandPath)
	if err != nil {
		log.Fatalf("failed to read command: %v", err)
	}

	var cmd service.PlaceOrderCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		log.Fatalf("failed to decode command: %v", err)
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to wire order service: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			mylogger.Warn(ctx, logger, "Failed to close publisher", zap.Error(err))
		}
	}()

	results := make([]service.OrderResult, max(*parallel, 1))

	// ProcessOrder never returns an error, so the group only bounds the fan-out.
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = application.Orchestrator.ProcessOrder(ctx, cmd)
			return nil
		})
	}
	_ = g.Wait()

	if *relay {
		stats, err := application.Relay.Tick(ctx)
		if err != nil {
			mylogger.Error(ctx, logger, "Relay tick failed", zap.Error(err))
		} else {
			mylogger.Info(
				ctx,
				logger,
				"Relay tick finished",
				zap.Int("fetched", stats.Fetched),
				zap.Int("published", stats.Published),
				zap.Int("failed", stats.Failed),
			)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("failed to encode results: %v", err)
	}
}
