// Command escaped runs the Language Escape bot: Telegram intake, the daily
// unlock and reminder sweeps, queue consumers and the status endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/escape/internal/config"
	"github.com/felixgeelhaar/escape/internal/daemon"
)

var version = "dev"

// shutdownGrace bounds how long in-flight updates may take after a signal
const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("escaped exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.LogPath(), parseLogLevel(cfg.LogLevel), cfg.Debug)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()
	logger = logger.With("service", "escaped", "version", version)
	slog.SetDefault(logger)

	release, err := claimPIDFile(cfg.PIDPath())
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := daemon.NewServer(ctx, daemon.ServerConfig{
		Config:  cfg,
		Options: daemon.Options{Logger: logger},
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	runErr := server.Run(ctx)
	if runErr == nil {
		logger.Info("stop requested, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error("shutdown incomplete", "error", shutdownErr)
	}

	if runErr != nil {
		return fmt.Errorf("server: %w", runErr)
	}
	logger.Info("escaped stopped")
	return nil
}

// ErrAlreadyRunning is returned when a live daemon owns the PID file
var ErrAlreadyRunning = errors.New("escaped is already running")
