package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docforge/docforge-agent/internal/api"
	"github.com/docforge/docforge-agent/internal/config"
	"github.com/docforge/docforge-agent/internal/db"
	"github.com/docforge/docforge-agent/internal/handlers"
	"github.com/docforge/docforge-agent/internal/logging"
	"github.com/docforge/docforge-agent/internal/notify"
	"github.com/docforge/docforge-agent/internal/pipeline"
)

var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting docforge agent", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	store := pipeline.NewStore(database.Conn(), logging.WithComponent(logger, "store"), cfg.CommitRetries())

	registry := pipeline.NewHandlerRegistry()
	if err := handlers.RegisterBuiltin(registry, handlers.Config{
		StepDelay: 500 * time.Millisecond,
		Logger:    logging.WithComponent(logger, "handlers"),
	}); err != nil {
		return fmt.Errorf("failed to register stage handlers: %w", err)
	}

	interrupts := pipeline.NewInterruptController()
	notifier := notify.NewNotifier(store, logging.WithComponent(logger, "notify"))
	executor := pipeline.NewExecutor(store, registry, interrupts, notifier,
		logging.WithComponent(logger, "executor"), cfg.StageTimeout())
	service := pipeline.NewService(store, registry, executor, interrupts, notifier,
		logging.WithComponent(logger, "service"))

	server := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Service:   service,
		Store:     store,
		Executor:  executor,
		Notifier:  notifier,
		Logger:    logging.WithComponent(logger, "api"),
		StartTime: startTime,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("docforge agent ready", "addr", server.Addr(), "stage_types", registry.Types())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("docforge agent stopped")
	return nil
}
