package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"taskforge/internal/app"
	"taskforge/internal/config"
	"taskforge/internal/logger"
)

func main() {
	// Initialize structured logger
	log := logger.New(os.Stdout, slog.LevelInfo)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid environment configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.DB.Close()
	defer deps.NSQProducer.Stop()

	application, err := app.New(cfg, deps.DB, deps.NSQProducer, log, nil)
	if err != nil {
		return err
	}

	log.Info("application starting", "api", cfg.EnableAPI, "worker", cfg.EnableWorker)
	return application.Run(ctx)
}
