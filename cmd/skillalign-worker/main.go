// Package main provides the batch job worker. It claims queued jobs from the
// shared store and runs them; pair it with a server in queue dispatch mode.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/skillalign/internal/app"
	"github.com/raphaelgruber/skillalign/internal/config"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()
	cfg.DispatchMode = "queue"

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Store == "memory" {
		logger.Error("the worker needs a shared store; SKILLALIGN_STORE=memory cannot see server jobs")
		os.Exit(1)
	}

	logger.Info("skillalign-worker starting",
		"version", version,
		"worker_id", cfg.WorkerID,
		"surrealdb_url", cfg.SurrealDBURL,
		"embed_model", cfg.EmbedModel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing connections")
		_ = a.Close(context.Background())
	}()

	if err := a.NewPoller().Run(ctx); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
