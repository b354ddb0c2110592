package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the paper outline service.
// Metrics are organized by subsystem: pipeline runs, stages, fetches,
// section expansions, model calls, and persistence. All counters and
// histograms are registered via promauto for automatic registration with
// the default Prometheus registry.
type Metrics struct {
	// RunsStarted counts the total number of pipeline runs initiated.
	RunsStarted prometheus.Counter

	// RunsCompleted counts the total number of runs that reached the done stage.
	RunsCompleted prometheus.Counter

	// RunsFailed counts terminal run failures, labeled by failure class.
	RunsFailed *prometheus.CounterVec

	// RunsResumed counts runs re-entered after a process restart.
	RunsResumed prometheus.Counter

	// RunsSkipped counts runs short-circuited by the dedup policy.
	RunsSkipped prometheus.Counter

	// RunDuration observes end-to-end run duration in seconds.
	RunDuration prometheus.Histogram

	// StageDuration observes per-stage duration in seconds, labeled by stage.
	StageDuration *prometheus.HistogramVec

	// FetchesTotal counts PDF fetch attempts.
	FetchesTotal prometheus.Counter

	// FetchesFailed counts failed PDF fetches, labeled by error type.
	FetchesFailed *prometheus.CounterVec

	// FetchBytes observes the size of fetched PDFs in bytes.
	FetchBytes prometheus.Histogram

	// SectionsPerRun observes the number of outline sections per run.
	SectionsPerRun prometheus.Histogram

	// ExpansionsSucceeded counts section expansions that completed.
	ExpansionsSucceeded prometheus.Counter

	// ExpansionsFailed counts section expansions that exhausted retries.
	ExpansionsFailed prometheus.Counter

	// ExpansionRetries counts individual expansion retry attempts.
	ExpansionRetries prometheus.Counter

	// ModelRequestsTotal counts model API requests, labeled by operation and model.
	ModelRequestsTotal *prometheus.CounterVec

	// ModelRequestsFailed counts failed model API requests, labeled by operation, model, and error type.
	ModelRequestsFailed *prometheus.CounterVec

	// ModelRequestDuration observes model API request duration in seconds, labeled by operation and model.
	ModelRequestDuration *prometheus.HistogramVec

	// ModelTokensUsed counts tokens consumed by model operations, labeled by operation, model, and token type.
	ModelTokensUsed *prometheus.CounterVec

	// SchemaViolations counts model responses rejected by schema validation, labeled by schema.
	SchemaViolations *prometheus.CounterVec

	// PapersPersisted counts papers committed to the database.
	PapersPersisted prometheus.Counter

	// SectionsPersisted counts section rows committed to the database.
	SectionsPersisted prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Runs
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		}),
		RunsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of pipeline runs completed successfully",
		}),
		RunsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_failed_total",
			Help:      "Total number of pipeline runs that failed by failure class",
		}, []string{"failure_class"}),
		RunsResumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_resumed_total",
			Help:      "Total number of pipeline runs resumed after restart",
		}),
		RunsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_skipped_total",
			Help:      "Total number of runs skipped by the dedup policy",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end duration of pipeline runs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),

		// Fetches
		FetchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Total number of PDF fetch attempts",
		}),
		FetchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_failed_total",
			Help:      "Total number of failed PDF fetches by error type",
		}, []string{"error_type"}),
		FetchBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_bytes",
			Help:      "Size of fetched PDFs in bytes",
			Buckets:   prometheus.ExponentialBuckets(65536, 4, 8),
		}),

		// Expansions
		SectionsPerRun: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sections_per_run",
			Help:      "Number of outline sections per run",
			Buckets:   []float64{1, 2, 4, 6, 8, 12, 16, 24, 32},
		}),
		ExpansionsSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansions_succeeded_total",
			Help:      "Total number of section expansions that succeeded",
		}),
		ExpansionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansions_failed_total",
			Help:      "Total number of section expansions that failed after retries",
		}),
		ExpansionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expansion_retries_total",
			Help:      "Total number of section expansion retry attempts",
		}),

		// Model calls
		ModelRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Total number of model requests by operation",
		}, []string{"operation", "model"}),
		ModelRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_failed_total",
			Help:      "Total number of failed model requests by operation",
		}, []string{"operation", "model", "error_type"}),
		ModelRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Duration of model requests in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation", "model"}),
		ModelTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_used_total",
			Help:      "Total number of tokens used by model operations",
		}, []string{"operation", "model", "token_type"}),
		SchemaViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_violations_total",
			Help:      "Total number of model responses rejected by schema validation",
		}, []string{"schema"}),

		// Persistence
		PapersPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_persisted_total",
			Help:      "Total number of papers committed to the database",
		}),
		SectionsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_persisted_total",
			Help:      "Total number of section rows committed to the database",
		}),
	}
}

// RecordRunStarted records that a pipeline run has started.
func (m *Metrics) RecordRunStarted() {
	m.RunsStarted.Inc()
}

// RecordRunCompleted records that a run finished successfully.
func (m *Metrics) RecordRunCompleted(durationSeconds float64) {
	m.RunsCompleted.Inc()
	m.RunDuration.Observe(durationSeconds)
}

// RecordRunFailed records a terminal run failure.
func (m *Metrics) RecordRunFailed(failureClass string, durationSeconds float64) {
	m.RunsFailed.WithLabelValues(failureClass).Inc()
	m.RunDuration.Observe(durationSeconds)
}

// RecordRunResumed records that a run was re-entered after restart.
func (m *Metrics) RecordRunResumed() {
	m.RunsResumed.Inc()
}

// RecordRunSkipped records a run short-circuited by the dedup policy.
func (m *Metrics) RecordRunSkipped() {
	m.RunsSkipped.Inc()
}

// RecordStageDuration records how long a stage took.
func (m *Metrics) RecordStageDuration(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordFetch records a completed PDF fetch.
func (m *Metrics) RecordFetch(sizeBytes int64) {
	m.FetchesTotal.Inc()
	m.FetchBytes.Observe(float64(sizeBytes))
}

// RecordFetchFailed records a failed PDF fetch.
func (m *Metrics) RecordFetchFailed(errorType string) {
	m.FetchesTotal.Inc()
	m.FetchesFailed.WithLabelValues(errorType).Inc()
}

// RecordSectionsPlanned records the outline section count for a run.
func (m *Metrics) RecordSectionsPlanned(count int) {
	m.SectionsPerRun.Observe(float64(count))
}

// RecordExpansionSucceeded records a completed section expansion.
func (m *Metrics) RecordExpansionSucceeded() {
	m.ExpansionsSucceeded.Inc()
}

// RecordExpansionFailed records a section expansion that exhausted retries.
func (m *Metrics) RecordExpansionFailed() {
	m.ExpansionsFailed.Inc()
}

// RecordExpansionRetry records an expansion retry attempt.
func (m *Metrics) RecordExpansionRetry() {
	m.ExpansionRetries.Inc()
}

// RecordModelRequest records a model request.
func (m *Metrics) RecordModelRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ModelRequestsTotal.WithLabelValues(operation, model).Inc()
	m.ModelRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
	m.ModelTokensUsed.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	m.ModelTokensUsed.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
}

// RecordModelRequestFailed records a failed model request.
func (m *Metrics) RecordModelRequestFailed(operation, model, errorType string) {
	m.ModelRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}

// RecordSchemaViolation records a model response rejected by validation.
func (m *Metrics) RecordSchemaViolation(schema string) {
	m.SchemaViolations.WithLabelValues(schema).Inc()
}

// RecordPaperPersisted records a committed paper with its section rows.
func (m *Metrics) RecordPaperPersisted(sectionCount int) {
	m.PapersPersisted.Inc()
	m.SectionsPersisted.Add(float64(sectionCount))
}
