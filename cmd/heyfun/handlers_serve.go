package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/heyfun/internal/auth"
	"github.com/haasonsaas/heyfun/internal/gateway"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe starts the runtime, the HTTP server and the supervisor, and
// shuts them down in reverse order on SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	logger.Info("starting heyfun",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := gateway.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	var blobs http.Handler
	if rt.LocalBlobs != nil {
		blobs = rt.LocalBlobs.Handler()
	}
	server := gateway.NewServer(gateway.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Runner:          rt.Runner,
		Notifier:        rt.Engine,
		Reconcile:       rt.Reconciler.Handler(),
		Auth:            auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0),
		WorkflowToken:   cfg.Workflow.TriggerToken,
		Gatherer:        rt.Registry,
		Blobs:           blobs,
		Logger:          logger,
	})
	if err := server.Start(ctx); err != nil {
		_ = rt.Close(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	if cfg.Supervisor.IsEnabled() {
		sup, err := rt.Supervisor()
		if err != nil {
			_ = server.Stop(context.Background())
			_ = rt.Close(context.Background())
			return fmt.Errorf("failed to build supervisor: %w", err)
		}
		go func() { errCh <- sup.Run(ctx) }()
	}

	logger.Info("heyfun started", "http_addr", server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("supervisor stopped: %w", err)
			logger.Error("supervisor failed, shutting down", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown failed: %w", err))
	}
	logger.Info("heyfun stopped")
	return runErr
}
