package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/evalsandbox/internal/config"
	"github.com/rpattn/evalsandbox/internal/httpapi"
	"github.com/rpattn/evalsandbox/internal/logging"
	"github.com/rpattn/evalsandbox/internal/pool"
	"github.com/rpattn/evalsandbox/internal/run"
	"github.com/rpattn/evalsandbox/internal/snapshot"
	"github.com/rpattn/evalsandbox/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (default: ./config.yaml when present)")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := config.NewLoader(*configFile, ".", bootstrap)
	cfg, err := loader.Load()
	if err != nil {
		bootstrap.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		bootstrap.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := serve(loader, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func serve(loader *config.Loader, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	deps, err := openDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	manager := pool.NewManager(deps.environments, deps.backend, pool.Config{
		Templates:    cfg.Pool.TemplateList(),
		TTL:          cfg.Pool.TTL,
		CloneTimeout: cfg.Pool.CloneTimeout,
		ClaimTimeout: cfg.Pool.ClaimTimeout,
	}, logger.With("component", "pool"))
	capturer := snapshot.NewCapturer(deps.backend, deps.snapshots, logger.With("component", "snapshot"))
	manager.OnRelease(capturer.Purge)

	coordinator := run.NewCoordinator(manager, deps.runs, capturer, deps.backend, run.Config{
		Unordered: cfg.Diff.UnorderedFields(),
	}, logger.With("component", "run"))
	manager.SetReleaser(coordinator.ReleaseEnvironment)

	maintainer := pool.NewMaintainer(manager, pool.MaintainerConfig{
		Targets:           cfg.Pool.Targets,
		ReplenishInterval: cfg.Pool.ReplenishInterval,
		SweepInterval:     cfg.Pool.SweepInterval,
		Concurrency:       cfg.Pool.Concurrency,
		CloneRate:         cfg.Pool.CloneRate,
	})
	go func() {
		if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pool maintainer stopped", "error", err)
		}
	}()

	if loader.FileUsed() != "" {
		loader.Watch(func(updated config.Config) {
			manager.SetTemplates(updated.Pool.TemplateList())
			maintainer.SetTargets(updated.Pool.Targets)
		})
	}

	handler := httpapi.NewHandler(manager, coordinator,
		httpapi.WithRunRepository(deps.runs),
		httpapi.WithHealthCheck(deps.backend),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpapi.WithLogger(logger.With("component", "http")),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting eval sandbox server", "addr", cfg.Server.Addr, "backend", cfg.Backend.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
