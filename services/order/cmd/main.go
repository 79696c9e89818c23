package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/mylogger"
	"github.com/sakashimaa/go-order-saga/pkg/utils"
	"github.com/sakashimaa/go-order-saga/services/order/internal/app"
	"github.com/sakashimaa/go-order-saga/services/order/internal/transport/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "order-service"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("error loading .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	logger, err := config.NewLogger(cfg.LoggerConfig(serviceName))
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, serviceName, cfg.Env, cfg.Otel.Endpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	mp, err := utils.InitMeter(ctx, serviceName, cfg.Env, cfg.Otel.Endpoint)
	if err != nil {
		log.Fatalf("failed to init meter: %v", err)
	}

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start order service: %v", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		application.Relay.Run(gCtx)
		return nil
	})

	// Payment events only arrive over kafka.
	if cfg.Transport.Kind == config.TransportKafka {
		consumer := kafka.NewConsumer(application.OrderService, logger)
		g.Go(func() error {
			return consumer.Start(gCtx, cfg.Transport.Kafka.Brokers, cfg.Transport.Kafka.GroupID)
		})
	}

	mylogger.Info(
		ctx,
		logger,
		"Order service started",
		zap.String("transport", cfg.Transport.Kind),
		zap.Duration("relay_interval", cfg.Relay.Interval),
	)

	if err := g.Wait(); err != nil {
		mylogger.Error(ctx, logger, "Order service stopped with error", zap.Error(err))
	}

	shutdownCtx, exit := context.WithTimeout(context.Background(), time.Second*5)
	defer exit()

	mylogger.Info(
		shutdownCtx,
		logger,
		"Shutting down order service",
	)

	if err := application.Close(); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to close publisher", zap.Error(err))
	}

	if err := mp.Shutdown(shutdownCtx); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to shut down metrics", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		mylogger.Warn(
			shutdownCtx,
			logger,
			"Failed to shut down telemetry",
			zap.Error(err),
		)
	} else {
		mylogger.Info(
			shutdownCtx,
			logger,
			"Successfully down telemetry",
		)
	}
}
