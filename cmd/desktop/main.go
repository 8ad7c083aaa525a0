// Package main runs the sync core as a local desktop service. Clients talk
// to it over REST and WebSocket on the loopback interface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mimisupply/synccore/internal/config"
	"github.com/mimisupply/synccore/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "synccore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var paths []string
	if dir := os.Getenv("SYNCCORE_CONFIG_DIR"); dir != "" {
		paths = append(paths, dir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if _, err := a.start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.shutdown(shutdownCtx)
}
