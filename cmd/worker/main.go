package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/app"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/queue"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.LogConfig()

	logger.Initialize(cfg.Environment, cfg.LogLevel)
	appLogger := logger.NewServiceLogger("settlement-worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	defer components.Close()

	server, err := queue.NewAsynqServer(&cfg.Queue, appLogger)
	if err != nil {
		appLogger.Error("failed to create queue server", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := queue.NewHandlers(components.Processor, components.Storage, cfg.Storage.Retention, appLogger)
	handlers.Register(server)

	scheduler, err := queue.NewScheduler(&cfg.Queue, appLogger)
	if err != nil {
		appLogger.Error("failed to create scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		appLogger.Error("failed to start queue server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		appLogger.Error("failed to start scheduler", slog.Any("error", err))
		server.Shutdown()
		os.Exit(1)
	}

	appLogger.Info("worker running",
		slog.Int("concurrency", cfg.Queue.Concurrency),
		slog.String("sweep_interval", cfg.Queue.SweepInterval))

	<-ctx.Done()

	scheduler.Shutdown()
	server.Shutdown()
}
