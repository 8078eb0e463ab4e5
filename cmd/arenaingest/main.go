package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ArenaIngest/internal/app"
	"ArenaIngest/internal/config"
	"ArenaIngest/internal/logging"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	open := func(ctx context.Context) (*app.Application, error) {
		return app.New(ctx, cfg, logger)
	}

	err := newCLIApp(open, os.Stdout).RunContext(ctx, os.Args)
	stop()
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
