// Command agentmux runs the multiplexing bridge daemon: it spawns AI coding
// CLI subprocesses, adapts their wire protocols onto a common browser schema,
// and fans each session's event stream out over WebSockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/launcher"
	"github.com/agentmux/agentmux/internal/permission"
	"github.com/agentmux/agentmux/internal/server"
	"github.com/agentmux/agentmux/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	snapshot, err := store.NewSnapshot(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	eventlog, err := store.OpenEventLog(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer eventlog.Close()

	arbiter := permission.NewArbiter(logger)
	launch := launcher.New(cfg, snapshot, eventlog, arbiter, nil, logger)
	br := bridge.New(launch, arbiter, eventlog, cfg, logger)

	// Two-phase wiring: the bridge is the single publisher, bound after
	// construction to break the launcher/bridge and arbiter/bridge cycles.
	launch.Bind(br)
	arbiter.Bind(br.Publish)

	if err := launch.RestoreFromDisk(); err != nil {
		logger.Warn("restore from disk failed", "error", err)
	}

	srv := server.New(cfg, launch, br, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	launch.Shutdown()
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
