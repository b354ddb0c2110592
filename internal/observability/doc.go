// Package observability provides logging and metrics support for the
// paper outline service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for pipeline runs, model calls, and persistence
//   - Context helpers for propagating correlation IDs
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("run_id", runID).Msg("pipeline run started")
//
// Add run context to a logger:
//
//	logger = observability.WithRunContext(logger, runID, pdfURL)
//
// # Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics("paper_outline")
//
// Record metrics:
//
//	metrics.RecordRunStarted()
//	metrics.RecordStageDuration("expanding", elapsed.Seconds())
//	metrics.RecordPaperPersisted(sectionCount)
//
// # Context Helpers
//
// Store and retrieve correlation IDs:
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithRunID(ctx, runID)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	runID := observability.RunIDFromContext(ctx)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - request_id: HTTP correlation identifier
//   - run_id: Pipeline run identifier
//   - pdf_url: Source document URL
//   - stage: Active pipeline stage
//   - section_index / section_title: Section expansion identity
//   - paper_id: Persisted paper identifier
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
