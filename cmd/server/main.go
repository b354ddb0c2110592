// Package main provides the entry point for the paper outline service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paperforge/paper-outline-service/internal/config"
	"github.com/paperforge/paper-outline-service/internal/database"
	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/extraction"
	"github.com/paperforge/paper-outline-service/internal/observability"
	"github.com/paperforge/paper-outline-service/internal/pdf"
	"github.com/paperforge/paper-outline-service/internal/pipeline"
	"github.com/paperforge/paper-outline-service/internal/repository"
	"github.com/paperforge/paper-outline-service/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("paper-outline-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Create repositories and the transactional writer.
	paperRepo := repository.NewPgPaperRepository(db)
	runRepo := repository.NewPgRunRepository(db)
	writer := repository.NewPersistenceWriter(db, logger)

	// Set up metrics.
	metrics := observability.NewMetrics("paperoutline")

	// Create the PDF fetcher.
	fetcher := pdf.NewFetcher(pdf.Config{
		Timeout:              cfg.Fetcher.Timeout,
		MaxSize:              cfg.Fetcher.MaxSizeBytes,
		UserAgent:            cfg.Fetcher.UserAgent,
		AllowPrivateNetworks: cfg.Fetcher.AllowPrivateNetworks,
	})

	// Create the model client and the extraction stages. A single rate
	// limiter spans both stages so the configured RPS bounds all model calls.
	geminiClient := extraction.NewGeminiClient(extraction.GeminiConfig{
		APIKey:          cfg.Extraction.APIKey,
		Model:           cfg.Extraction.Model,
		BaseURL:         cfg.Extraction.BaseURL,
		MaxOutputTokens: cfg.Extraction.MaxOutputTokens,
	}, cfg.Extraction.Timeout)
	limiter := extraction.NewRateLimiter(cfg.Extraction.RateLimitRPS, cfg.Extraction.RateLimitBurst)
	outliner := extraction.NewOutlineExtractor(geminiClient, limiter)
	expander := extraction.NewSectionExpander(geminiClient, limiter)

	// Create the pipeline orchestrator and the runner.
	orchestrator := pipeline.NewOrchestrator(
		fetcher,
		outliner,
		expander,
		writer,
		paperRepo,
		runRepo,
		metrics,
		logger,
		pipeline.Config{
			MaxConcurrentExpansions: cfg.Pipeline.MaxConcurrentExpansions,
			MaxRetries:              cfg.Extraction.MaxRetries,
			RetryDelay:              cfg.Extraction.RetryDelay,
			RunTimeout:              cfg.Pipeline.RunTimeout,
			Model:                   cfg.Extraction.Model,
		},
	)

	runner := pipeline.NewRunner(orchestrator, runRepo, db, metrics, logger, pipeline.RunnerConfig{
		Workers:                     cfg.Pipeline.MaxConcurrentRuns,
		QueueSize:                   cfg.Pipeline.QueueSize,
		ResumeOnStartup:             cfg.Pipeline.ResumeOnStartup,
		DefaultPartialFailurePolicy: domain.PartialFailurePolicy(cfg.Pipeline.PartialFailurePolicy),
		DefaultDedupPolicy:          domain.DedupPolicy(cfg.Pipeline.DedupPolicy),
	})
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	// Create the HTTP API server.
	httpSrv := server.NewServer(
		server.Config{
			Address:         cfg.Server.HTTPAddress(),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MetricsEnabled:  cfg.Metrics.Enabled,
			MetricsPath:     cfg.Metrics.Path,
		},
		runner,
		runRepo,
		paperRepo,
		db,
		logger,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Msg("paper-outline-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown: stop accepting requests, then drain the run queue.
	// In-flight runs checkpoint their stage before exiting and are resumed
	// on the next start.
	logger.Info().Msg("shutting down paper-outline-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	runner.Stop()

	logger.Info().Msg("paper-outline-service shutdown complete")
	return nil
}
