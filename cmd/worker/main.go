package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradefinance-backend/internal/app"
	"tradefinance-backend/internal/config"
	"tradefinance-backend/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer application.Close()

	if application.Sequencer == nil {
		logger.Error("worker needs redis: set REDIS_URL or REDIS_ADDR")
		os.Exit(1)
	}

	tree := supervisor.New("tradefinance-worker", supervisor.DefaultConfig(), logger)
	application.AddWorkers(tree)

	logger.Info("worker started")
	if err := tree.Serve(ctx); err != nil {
		logger.Error("supervisor stopped", slog.String("error", err.Error()))
	}
	logger.Info("worker stopped")
}
