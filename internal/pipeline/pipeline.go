// Package pipeline orchestrates the paper outline extraction pipeline.
//
// A run moves through the stages pending, fetching, outline_extracting,
// expanding and persisting before reaching one of the terminal stages done
// or failed. Every stage transition and every completed section expansion
// is committed to the database before the next stage starts, so a process
// crash loses at most the stage that was in flight. The Runner re-enters
// unfinished runs at startup and the Orchestrator resumes each one at its
// last committed stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/extraction"
	"github.com/paperforge/paper-outline-service/internal/observability"
	"github.com/paperforge/paper-outline-service/internal/pdf"
	"github.com/paperforge/paper-outline-service/internal/repository"
)

// Timeout for checkpoint writes that must survive a cancelled run context.
const failureCheckpointTimeout = 5 * time.Second

// PDFFetcher retrieves the paper document. Implemented by pdf.Fetcher.
type PDFFetcher interface {
	Fetch(ctx context.Context, url string) (*pdf.FetchResult, error)
}

// OutlineExtractor produces the structured outline for a paper.
// Implemented by extraction.OutlineExtractor.
type OutlineExtractor interface {
	ExtractOutline(ctx context.Context, pdfContent []byte) (*extraction.OutlineResult, error)
}

// SectionExpander produces the detailed analysis for one outline section.
// Implemented by extraction.SectionExpander.
type SectionExpander interface {
	ExpandSection(ctx context.Context, pdfContent []byte, section domain.OutlineSection) (*extraction.ExpansionResult, error)
}

// PaperPersister commits a run's paper and section rows atomically.
// Implemented by repository.PersistenceWriter.
type PaperPersister interface {
	Persist(ctx context.Context, run *domain.PipelineRun, sections []domain.PaperSection) (*repository.PersistResult, error)
}

// PaperLookup resolves existing papers for deduplication checks.
// Implemented by repository.PgPaperRepository.
type PaperLookup interface {
	GetByPDFURL(ctx context.Context, pdfURL string) (*domain.Paper, error)
}

// Config holds orchestration settings.
type Config struct {
	// MaxConcurrentExpansions bounds the section expansion worker pool.
	MaxConcurrentExpansions int

	// MaxRetries is the retry budget per model call or fetch.
	MaxRetries int

	// RetryDelay is the base backoff delay; it doubles per attempt.
	RetryDelay time.Duration

	// RunTimeout bounds a single end-to-end run. Zero disables the bound.
	RunTimeout time.Duration

	// Model is the model identifier used in failure metric labels.
	Model string
}

// Orchestrator drives a pipeline run through its stages.
type Orchestrator struct {
	fetcher   PDFFetcher
	extractor OutlineExtractor
	expander  SectionExpander
	writer    PaperPersister
	papers    PaperLookup
	runs      repository.RunRepository
	metrics   *observability.Metrics
	logger    zerolog.Logger
	cfg       Config
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	fetcher PDFFetcher,
	extractor OutlineExtractor,
	expander SectionExpander,
	writer PaperPersister,
	papers PaperLookup,
	runs repository.RunRepository,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		expander:  expander,
		writer:    writer,
		papers:    papers,
		runs:      runs,
		metrics:   metrics,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		cfg:       cfg,
	}
}

// Execute runs the pipeline for the given run until it reaches a terminal
// stage. The run may start at any non-terminal stage; resumed runs pick up
// at their last committed checkpoint.
//
// A genuine failure marks the run failed with its failure class. A
// cancelled context leaves the run at its current checkpoint so that the
// next startup can resume it.
func (o *Orchestrator) Execute(ctx context.Context, run *domain.PipelineRun) error {
	logger := observability.WithRunContext(o.logger, run.ID.String(), run.PDFURL)

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	err := o.runStages(ctx, run, logger)
	if err == nil {
		o.metrics.RecordRunCompleted(time.Since(start).Seconds())
		return nil
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown, not failure. The run stays at its checkpoint.
		logger.Warn().Err(err).Str("stage", string(run.Stage)).Msg("run interrupted, will resume at next startup")
		return err
	}

	class := domain.ClassifyError(err)
	if errors.Is(err, context.DeadlineExceeded) {
		class = domain.FailureClassCancelled
	}

	checkpointCtx, cancel := context.WithTimeout(context.Background(), failureCheckpointTimeout)
	defer cancel()
	if markErr := o.runs.MarkFailed(checkpointCtx, run.ID, run.Stage, class, err.Error()); markErr != nil {
		logger.Error().Err(markErr).Msg("failed to record run failure")
	}
	run.FailureStage = run.Stage
	run.FailureClass = class
	run.ErrorMessage = err.Error()
	run.Stage = domain.StageFailed

	o.metrics.RecordRunFailed(class, time.Since(start).Seconds())
	logger.Error().Err(err).Str("failure_class", class).Msg("run failed")

	return err
}

func (o *Orchestrator) runStages(ctx context.Context, run *domain.PipelineRun, logger zerolog.Logger) error {
	var content []byte

	for !run.Stage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stage := run.Stage
		stageStart := time.Now()

		switch stage {
		case domain.StagePending:
			done, err := o.checkDedup(ctx, run, logger)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if err := o.transition(ctx, run, domain.StageFetching); err != nil {
				return err
			}

		case domain.StageFetching:
			result, err := o.fetch(ctx, run, logger)
			if err != nil {
				return err
			}
			content = result.Content
			if err := o.runs.SetFetchResult(ctx, run.ID, result.ContentHash); err != nil {
				return domain.NewPersistenceError("checkpoint fetch result", err)
			}
			run.PDFSHA256 = result.ContentHash
			if err := o.transition(ctx, run, domain.StageOutlineExtracting); err != nil {
				return err
			}

		case domain.StageOutlineExtracting:
			if content == nil {
				result, err := o.fetch(ctx, run, logger)
				if err != nil {
					return err
				}
				content = result.Content
			}
			if err := o.extractOutline(ctx, run, content, logger); err != nil {
				return err
			}
			if err := o.transition(ctx, run, domain.StageExpanding); err != nil {
				return err
			}

		case domain.StageExpanding:
			if content == nil {
				result, err := o.fetch(ctx, run, logger)
				if err != nil {
					return err
				}
				content = result.Content
			}
			if run.Outline == nil {
				return domain.NewPersistenceError("load outline checkpoint",
					fmt.Errorf("run %s reached %s without an outline", run.ID, run.Stage))
			}
			if err := o.expand(ctx, run, content, logger); err != nil {
				return err
			}
			if err := o.transition(ctx, run, domain.StagePersisting); err != nil {
				return err
			}

		case domain.StagePersisting:
			if run.Outline == nil {
				return domain.NewPersistenceError("load outline checkpoint",
					fmt.Errorf("run %s reached %s without an outline", run.ID, run.Stage))
			}
			if err := o.persist(ctx, run, logger); err != nil {
				return err
			}
		}

		if stage != domain.StagePending {
			o.metrics.RecordStageDuration(string(stage), time.Since(stageStart).Seconds())
		}
	}

	return nil
}

// checkDedup short-circuits a dedup=skip run whose PDF URL already has a
// persisted paper. Returns true when the run completed without pipeline work.
func (o *Orchestrator) checkDedup(ctx context.Context, run *domain.PipelineRun, logger zerolog.Logger) (bool, error) {
	if run.DedupPolicy != domain.DedupSkip {
		return false, nil
	}

	existing, err := o.papers.GetByPDFURL(ctx, run.PDFURL)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewPersistenceError("dedup lookup", err)
	}

	if err := o.runs.MarkDone(ctx, run.ID, existing.ID); err != nil {
		return false, domain.NewPersistenceError("mark deduplicated run done", err)
	}
	run.Stage = domain.StageDone
	run.PaperID = &existing.ID
	now := time.Now().UTC()
	run.CompletedAt = &now

	o.metrics.RecordRunSkipped()
	logger.Info().Int("paper_id", existing.ID).Msg("run skipped, paper already exists for pdf_url")

	return true, nil
}

// fetch downloads the PDF with retries. A resumed run that already recorded
// a content hash fails when the document no longer matches: the committed
// outline would not describe the new content.
func (o *Orchestrator) fetch(ctx context.Context, run *domain.PipelineRun, logger zerolog.Logger) (*pdf.FetchResult, error) {
	var result *pdf.FetchResult

	err := retryWithBackoff(ctx, o.cfg.MaxRetries, o.cfg.RetryDelay,
		func(attempt int, err error) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying pdf fetch")
		},
		func(ctx context.Context) error {
			res, err := o.fetcher.Fetch(ctx, run.PDFURL)
			if err != nil {
				o.metrics.RecordFetchFailed(pdf.ErrorType(err))
				return domain.NewFetchError(run.PDFURL, 0, err.Error(), err)
			}
			result = res
			return nil
		})
	if err != nil {
		return nil, err
	}

	if run.PDFSHA256 != "" && run.PDFSHA256 != result.ContentHash {
		return nil, domain.NewFetchError(run.PDFURL, 0,
			"document content changed since the run first fetched it", nil)
	}

	o.metrics.RecordFetch(result.SizeBytes)
	logger.Debug().Int64("size_bytes", result.SizeBytes).Str("sha256", result.ContentHash).Msg("pdf fetched")

	return result, nil
}

// extractOutline runs the outline extraction stage, commits the outline
// checkpoint, and seeds a pending checkpoint row per section.
func (o *Orchestrator) extractOutline(ctx context.Context, run *domain.PipelineRun, content []byte, logger zerolog.Logger) error {
	var result *extraction.OutlineResult
	start := time.Now()

	err := retryWithBackoff(ctx, o.cfg.MaxRetries, o.cfg.RetryDelay,
		func(attempt int, err error) {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying outline extraction")
		},
		func(ctx context.Context) error {
			res, err := o.extractor.ExtractOutline(ctx, content)
			if err != nil {
				o.metrics.RecordModelRequestFailed(extraction.OpOutlineExtraction, o.cfg.Model, domain.ClassifyError(err))
				return err
			}
			result = res
			return nil
		})
	if err != nil {
		if errors.Is(err, domain.ErrSchemaViolation) {
			o.metrics.RecordSchemaViolation(extraction.OpOutlineExtraction)
		}
		return err
	}

	o.metrics.RecordModelRequest(extraction.OpOutlineExtraction, result.Model,
		time.Since(start).Seconds(), result.InputTokens, result.OutputTokens)

	outline := result.Outline
	if err := o.runs.SetOutline(ctx, run.ID, outline, len(outline.Sections)); err != nil {
		return domain.NewPersistenceError("checkpoint outline", err)
	}
	run.Outline = outline
	run.TotalSections = len(outline.Sections)

	for i, section := range outline.Sections {
		checkpoint := &domain.RunSection{
			RunID:        run.ID,
			SectionIndex: i,
			SectionTitle: section.Title,
			State:        domain.SectionStatePending,
		}
		if err := o.runs.UpsertSection(ctx, checkpoint); err != nil {
			return domain.NewPersistenceError("seed section checkpoints", err)
		}
	}

	o.metrics.RecordSectionsPlanned(len(outline.Sections))
	logger.Info().
		Str("title", outline.Title).
		Int("sections", len(outline.Sections)).
		Msg("outline extracted")

	return nil
}

// expand fans the section expansions out over the worker pool, skipping
// sections already completed by a previous attempt of this run. Each
// finished section is checkpointed immediately.
func (o *Orchestrator) expand(ctx context.Context, run *domain.PipelineRun, content []byte, logger zerolog.Logger) error {
	checkpoints, err := o.runs.GetSections(ctx, run.ID)
	if err != nil {
		return domain.NewPersistenceError("load section checkpoints", err)
	}
	byIndex := make(map[int]*domain.RunSection, len(checkpoints))
	for _, cp := range checkpoints {
		byIndex[cp.SectionIndex] = cp
	}

	var jobs []ExpansionJob
	reused := 0
	for i, section := range run.Outline.Sections {
		if cp, ok := byIndex[i]; ok && cp.State == domain.SectionStateSucceeded && cp.Expansion != nil {
			reused++
			continue
		}
		jobs = append(jobs, ExpansionJob{Index: i, Section: section})
	}
	if reused > 0 {
		logger.Info().Int("reused", reused).Int("remaining", len(jobs)).Msg("reusing section expansions from previous attempt")
	}

	// Section checkpoints are written on a context detached from run
	// cancellation: a drained expansion that just cost a model call must
	// still commit before the run parks for resume.
	checkpointCtx := context.WithoutCancel(ctx)

	coordinator := NewCoordinator(o.expander, o.cfg.MaxConcurrentExpansions,
		o.cfg.MaxRetries, o.cfg.RetryDelay, o.metrics, logger)
	coordinator.OnOutcome = func(outcome ExpansionOutcome) {
		checkpoint := &domain.RunSection{
			RunID:        run.ID,
			SectionIndex: outcome.Index,
			SectionTitle: outcome.SectionTitle,
			Attempts:     outcome.Attempts,
		}
		if outcome.Succeeded() {
			checkpoint.State = domain.SectionStateSucceeded
			checkpoint.Expansion = outcome.Expansion
		} else {
			checkpoint.State = domain.SectionStateFailed
			checkpoint.ErrorMessage = outcome.Err.Error()
		}
		writeCtx, cancel := context.WithTimeout(checkpointCtx, failureCheckpointTimeout)
		defer cancel()
		if err := o.runs.UpsertSection(writeCtx, checkpoint); err != nil {
			logger.Error().Err(err).Int("section_index", outcome.Index).Msg("failed to checkpoint section outcome")
		}
	}

	outcomes := coordinator.Expand(ctx, content, jobs)

	succeeded := reused
	var failedTitles []string
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			succeeded++
		} else {
			failedTitles = append(failedTitles, outcome.SectionTitle)
		}
	}
	run.SectionsSucceeded = succeeded
	run.SectionsFailed = len(failedTitles)

	countsCtx, cancel := context.WithTimeout(checkpointCtx, failureCheckpointTimeout)
	defer cancel()
	if err := o.runs.SetSectionCounts(countsCtx, run.ID, succeeded, len(failedTitles)); err != nil {
		return domain.NewPersistenceError("checkpoint section counts", err)
	}

	if len(failedTitles) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("expansion interrupted: %w", err)
		}
		if run.PartialFailurePolicy == domain.PolicyFailRun {
			return domain.NewPartialExpansionError(failedTitles, run.TotalSections)
		}
		logger.Warn().
			Strs("failed_sections", failedTitles).
			Int("succeeded", succeeded).
			Msg("continuing with partial expansion results")
	}

	return nil
}

// persist assembles the final section rows from the checkpoints and commits
// the paper. Sections without a successful expansion keep their outline
// metadata with empty analysis columns.
func (o *Orchestrator) persist(ctx context.Context, run *domain.PipelineRun, logger zerolog.Logger) error {
	checkpoints, err := o.runs.GetSections(ctx, run.ID)
	if err != nil {
		return domain.NewPersistenceError("load section checkpoints", err)
	}
	byIndex := make(map[int]*domain.RunSection, len(checkpoints))
	for _, cp := range checkpoints {
		byIndex[cp.SectionIndex] = cp
	}

	rows := make([]domain.PaperSection, 0, len(run.Outline.Sections))
	for i, section := range run.Outline.Sections {
		var expansion *domain.SectionExpansion
		if cp, ok := byIndex[i]; ok && cp.State == domain.SectionStateSucceeded {
			expansion = cp.Expansion
		}
		rows = append(rows, domain.NewSectionRow(section, expansion))
	}

	result, err := o.writer.Persist(ctx, run, rows)
	if err != nil {
		return err
	}

	if result.Deduplicated {
		o.metrics.RecordRunSkipped()
	} else {
		o.metrics.RecordPaperPersisted(result.SectionsPersisted)
	}

	if err := o.runs.MarkDone(ctx, run.ID, result.PaperID); err != nil {
		return domain.NewPersistenceError("mark run done", err)
	}
	run.Stage = domain.StageDone
	run.PaperID = &result.PaperID
	now := time.Now().UTC()
	run.CompletedAt = &now

	logger.Info().
		Int("paper_id", result.PaperID).
		Int("sections_persisted", result.SectionsPersisted).
		Bool("deduplicated", result.Deduplicated).
		Msg("run completed")

	return nil
}

// transition commits a stage change before the stage's work begins.
func (o *Orchestrator) transition(ctx context.Context, run *domain.PipelineRun, next domain.RunStage) error {
	if err := o.runs.UpdateStage(ctx, run.ID, next); err != nil {
		return domain.NewPersistenceError(fmt.Sprintf("transition to %s", next), err)
	}
	run.Stage = next
	return nil
}
