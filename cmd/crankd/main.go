package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostcrank/crank/internal/server/app"
	"github.com/hostcrank/crank/internal/server/config"
	"github.com/hostcrank/crank/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("crankd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.GuestDir, 0o755); err != nil {
		logger.Error("ensure guest dir", "path", cfg.GuestDir, "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
