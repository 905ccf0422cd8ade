package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/app"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/queue"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/config"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/logger"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/transport/httpapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.LogConfig()

	logger.Initialize(cfg.Environment, cfg.LogLevel)
	appLogger := logger.NewServiceLogger("settlement-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
	defer components.Close()

	queueClient, err := queue.NewAsynqClient(&cfg.Queue, appLogger)
	if err != nil {
		appLogger.Error("failed to create queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer queueClient.Close()

	tracker := queue.NewUploadTracker(&cfg.Queue, appLogger)
	defer tracker.Close()

	api := httpapi.NewServer(httpapi.Options{
		Processor:      components.Processor,
		Queue:          queueClient,
		Uploads:        components.Storage,
		Tracker:        tracker,
		MaxFileSize:    cfg.MaxFileSizeBytes(),
		RequestTimeout: cfg.Pipeline.Timeout + 30*time.Second,
		HealthChecks: map[string]httpapi.HealthCheck{
			"database": components.DB.Ping,
			"redis":    components.Cache.Ping,
		},
	}, appLogger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ServerHost, cfg.ServerPort),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Pipeline.Timeout + time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		appLogger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("http server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
