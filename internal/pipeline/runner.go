package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/observability"
	"github.com/paperforge/paper-outline-service/internal/repository"
)

// resumeLockKey serializes startup resume across service replicas so a run
// is re-entered by exactly one process.
const resumeLockKey int64 = 0x70617065726f75

// ErrQueueFull indicates the run queue has no capacity for a new submission.
var ErrQueueFull = errors.New("run queue is full")

// ErrRunnerStopped indicates the runner no longer accepts submissions.
var ErrRunnerStopped = errors.New("runner is stopped")

// AdvisoryLocker holds session advisory locks. Implemented by database.DB.
type AdvisoryLocker interface {
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
}

// RunnerConfig holds runner settings.
type RunnerConfig struct {
	// Workers is the number of concurrent pipeline executions.
	Workers int

	// QueueSize bounds the number of accepted-but-unstarted runs.
	QueueSize int

	// ResumeOnStartup re-enters unfinished runs when Start is called.
	ResumeOnStartup bool

	// DefaultPartialFailurePolicy applies when a submission omits the policy.
	DefaultPartialFailurePolicy domain.PartialFailurePolicy

	// DefaultDedupPolicy applies when a submission omits the policy.
	DefaultDedupPolicy domain.DedupPolicy
}

// Runner accepts run submissions, executes them on a worker pool, and
// resumes interrupted runs at startup.
type Runner struct {
	orchestrator *Orchestrator
	runs         repository.RunRepository
	locker       AdvisoryLocker
	metrics      *observability.Metrics
	logger       zerolog.Logger
	cfg          RunnerConfig

	queue chan *domain.PipelineRun
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewRunner creates a runner. Call Start before submitting runs.
func NewRunner(orchestrator *Orchestrator, runs repository.RunRepository, locker AdvisoryLocker, metrics *observability.Metrics, logger zerolog.Logger, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DefaultPartialFailurePolicy == "" {
		cfg.DefaultPartialFailurePolicy = domain.PolicyPersistPartial
	}
	if cfg.DefaultDedupPolicy == "" {
		cfg.DefaultDedupPolicy = domain.DedupNone
	}

	return &Runner{
		orchestrator: orchestrator,
		runs:         runs,
		locker:       locker,
		metrics:      metrics,
		logger:       logger.With().Str("component", "runner").Logger(),
		cfg:          cfg,
		queue:        make(chan *domain.PipelineRun, cfg.QueueSize),
	}
}

// Start launches the worker pool and, when configured, resumes unfinished
// runs. The context governs all executions: cancelling it stops the workers
// after their current run reaches a checkpoint.
func (r *Runner) Start(ctx context.Context) error {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.logger.Info().Int("workers", r.cfg.Workers).Msg("pipeline runner started")

	if r.cfg.ResumeOnStartup {
		if err := r.resume(ctx); err != nil {
			return fmt.Errorf("failed to resume runs: %w", err)
		}
	}

	return nil
}

// Submit validates and persists a new run, then queues it for execution.
// Empty policies fall back to the configured defaults.
// Returns ErrQueueFull when the queue has no capacity.
func (r *Runner) Submit(ctx context.Context, pdfURL string, partial domain.PartialFailurePolicy, dedup domain.DedupPolicy) (*domain.PipelineRun, error) {
	if pdfURL == "" {
		return nil, domain.NewValidationError("pdf_url", "pdf_url is required")
	}
	if partial == "" {
		partial = r.cfg.DefaultPartialFailurePolicy
	}
	if !partial.Valid() {
		return nil, domain.NewValidationError("partial_failure_policy", "unknown policy")
	}
	if dedup == "" {
		dedup = r.cfg.DefaultDedupPolicy
	}
	if !dedup.Valid() {
		return nil, domain.NewValidationError("dedup_policy", "unknown policy")
	}

	run := domain.NewPipelineRun(pdfURL, partial, dedup)
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if err := r.enqueue(run); err != nil {
		// The run row stays pending; a restart with resume enabled picks it up.
		return nil, err
	}

	r.metrics.RecordRunStarted()
	r.logger.Info().
		Str("run_id", run.ID.String()).
		Str("pdf_url", pdfURL).
		Msg("run submitted")

	return run, nil
}

// Stop prevents new submissions and waits for queued and running work to
// finish. Cancel the Start context first for a prompt shutdown.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("pipeline runner stopped")
}

func (r *Runner) enqueue(run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- run:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case run, ok := <-r.queue:
			if !ok {
				return
			}
			if err := r.orchestrator.Execute(ctx, run); err != nil {
				// Execute logged and recorded the outcome already.
				continue
			}
		}
	}
}

// resume re-queues every non-terminal run. A session advisory lock keeps
// multiple replicas from resuming the same runs; the replica that loses the
// lock skips resume entirely.
func (r *Runner) resume(ctx context.Context) error {
	acquired, err := r.locker.AcquireAdvisoryLock(ctx, resumeLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		r.logger.Info().Msg("resume lock held elsewhere, skipping startup resume")
		return nil
	}
	defer func() {
		if err := r.locker.ReleaseAdvisoryLock(ctx, resumeLockKey); err != nil {
			r.logger.Error().Err(err).Msg("failed to release resume lock")
		}
	}()

	active, err := r.runs.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	resumed := 0
	for _, run := range active {
		if err := r.enqueue(run); err != nil {
			r.logger.Warn().
				Err(err).
				Str("run_id", run.ID.String()).
				Msg("could not queue run for resume")
			continue
		}
		r.metrics.RecordRunResumed()
		resumed++
	}

	r.logger.Info().Int("found", len(active)).Int("resumed", resumed).Msg("startup resume complete")
	return nil
}
