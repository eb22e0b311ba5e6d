// Package main provides a standalone board server for a trainwatch log root.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/config"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()

	logDir := flag.String("logdir", cfg.LogRoot, "log root to serve")
	addr := flag.String("addr", cfg.BoardAddr, "listen address")
	flag.Parse()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel, os.Stderr)
	defer cleanup()

	logger.Info("trainwatch-board starting", "version", version, "logdir", *logDir, "addr", *addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := board.New(*logDir, logger).ListenAndServe(ctx, *addr); err != nil {
		logger.Error("board stopped", "error", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("board stopped")
}
