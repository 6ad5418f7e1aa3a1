package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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

	router, err := application.Router()
	if err != nil {
		logger.Error("router setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New("tradefinance-api", supervisor.DefaultConfig(), logger)
	tree.AddAPI(supervisor.NewHTTPService(srv, 10*time.Second))
	if cfg.RunWorkers {
		application.AddWorkers(tree)
	}

	logger.Info("server started", slog.String("addr", cfg.ServerAddr), slog.Bool("workers", cfg.RunWorkers))
	if err := tree.Serve(ctx); err != nil {
		logger.Error("supervisor stopped", slog.String("error", err.Error()))
	}
	logger.Info("server stopped")
}
