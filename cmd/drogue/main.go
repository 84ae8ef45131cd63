package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/drogue/internal/cleanup"
	"github.com/italolelis/drogue/internal/config"
	"github.com/italolelis/drogue/internal/downloader"
	"github.com/italolelis/drogue/internal/http/rest"
	"github.com/italolelis/drogue/internal/logctx"
	"github.com/italolelis/drogue/internal/notifier"
	"github.com/italolelis/drogue/internal/registry"
	"github.com/italolelis/drogue/internal/staging"
	"github.com/italolelis/drogue/internal/storage"
	"github.com/italolelis/drogue/internal/storage/sqlite"
	"github.com/italolelis/drogue/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const dirPerm = 0755

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("drogue starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}

	slog.Info("drogue stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Storage
	if err := os.MkdirAll(cfg.DownloadDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	stage, err := staging.New(cfg.StagingDir)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Registry
	reg := registry.New(downloader.Deps{
		Repo:      repo,
		Stage:     stage,
		Client:    downloader.NewClient(cfg.ClientOptions()),
		Telemetry: tel,
		Options:   cfg.EngineOptions(),
	}, registry.Options{MaxParallel: cfg.MaxParallel})

	if err := reg.Open(ctx); err != nil {
		reg.Close()

		return fmt.Errorf("failed to open registry: %w", err)
	}

	// =========================================================================
	// Start Notification
	notified := setupNotification(ctx, reg, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, reg, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, repo, stage, cfg)

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"staging_dir", cfg.StagingDir,
		"max_parallel", cfg.MaxParallel,
		"max_attempts", cfg.MaxAttempts,
	)

	err = g.Wait()

	// Every actor writes its final checkpoint before the database closes.
	reg.Close()
	<-notified

	return err
}

// setupNotification forwards registry events until the registry closes its channels.
// The actor already logs each outcome; this only logs delivery problems.
// The returned channel is closed once both are drained.
func setupNotification(ctx context.Context, reg *registry.Registry, cfg *config.Config) <-chan struct{} {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	send := func(rec *storage.DownloadRecord, content string) {
		if notif == nil {
			return
		}

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		if err := notif.Notify(notifyCtx, content); err != nil {
			logger.Error("failed to send notification", "download_id", rec.ID, "err", err)
		}
	}

	done := make(chan struct{})
	failed := make(chan struct{})

	go func() {
		defer close(failed)

		for rec := range reg.OnDownloadFailed {
			logger.Debug("forwarding download failure", "download_id", rec.ID)
			send(rec, notifier.FailedMessage(rec))
		}
	}()

	go func() {
		defer close(done)

		for rec := range reg.OnDownloadCompleted {
			logger.Debug("forwarding download completion", "download_id", rec.ID)
			send(rec, notifier.CompletedMessage(rec))
		}

		<-failed
	}()

	return done
}

// probePaths are hit by health checks and scrapers, not by people.
var probePaths = []string{"/healthz", "/metrics"}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, reg *registry.Registry, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(cfg.Web.Username, cfg.Web.Password, reg)

	r := chi.NewRouter()
	r.Use(
		telemetry.RequestID,
		telemetry.HTTPLogging(probePaths...),
		telemetry.NewHTTPMiddleware(tel, probePaths...).Middleware(routePattern),
	)

	r.Get("/healthz", rest.HealthHandler(reg.Active))
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// routePattern labels metrics with the matched chi pattern, never the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

func runCleanup(ctx context.Context, repo storage.DownloadReadRepository, stage *staging.Store, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			removed, err := cleanup.DeleteOrphanedStages(ctx, repo, stage, cfg.KeepOrphanedFor)
			if err != nil {
				logger.Error("failed to delete orphaned staged files", "err", err)

				continue
			}

			if removed > 0 {
				logger.Info("cleanup finished", "removed", removed)
			}
		}
	}
}
