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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rpattn/datacheck/internal/api"
	"github.com/rpattn/datacheck/internal/app"
	"github.com/rpattn/datacheck/internal/audit"
	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/db"
	"github.com/rpattn/datacheck/internal/logging"
	"github.com/rpattn/datacheck/internal/repository"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging)

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pgTracker := audit.NewPostgresTracker(conn.Pool)
	svc, err := app.New(ctx, cfg, logger, app.Deps{
		Repos:      repository.NewPostgresRepositories(conn.Pool),
		Tracker:    audit.Multi{audit.NewSlogTracker(logger), pgTracker},
		Registerer: registry,
	})
	if err != nil {
		logger.Error("failed to initialise service", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Retention.Enabled && cfg.Retention.SweepInterval > 0 {
		go sweepLoop(ctx, svc, pgTracker, logger)
	}

	handler := api.NewHandler(svc.Runner, svc.Results, cfg.Server.MaxUploadBytes, logging.Component(logger, "api"))
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, svc.Repos.Checks, cfg.Server, registry, logging.Component(logger, "http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting datacheck server", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	// In-flight runs finish before the pool closes.
	done := make(chan struct{})
	go func() {
		svc.Runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("runs still in flight at shutdown")
	}
	cancel()
	logger.Info("server exited")
}

func sweepLoop(ctx context.Context, svc *app.App, source *audit.PostgresTracker, logger *slog.Logger) {
	ticker := time.NewTicker(svc.Config.Retention.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Lifecycle.Sweep(ctx, source, svc.Config.Retention.SweepBatch); err != nil {
				logger.Warn("cleanup sweep incomplete", slog.Any("error", err))
			}
		}
	}
}
