package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/extraction"
	"github.com/paperforge/paper-outline-service/internal/observability"
)

// ExpansionJob identifies one outline section to expand.
type ExpansionJob struct {
	Index   int
	Section domain.OutlineSection
}

// ExpansionOutcome is the result of expanding one section, successful or not.
type ExpansionOutcome struct {
	Index        int
	SectionTitle string
	Expansion    *domain.SectionExpansion
	Attempts     int
	Err          error
}

// Succeeded reports whether the section expanded without error.
func (o *ExpansionOutcome) Succeeded() bool {
	return o.Err == nil
}

// Coordinator fans section expansions out over a bounded worker pool. One
// failed section never cancels the others; every job produces an outcome.
type Coordinator struct {
	expander    SectionExpander
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	// OnOutcome, if set, is invoked serially from the collector loop as
	// each section finishes. Used to checkpoint per-section progress
	// durably.
	OnOutcome func(outcome ExpansionOutcome)
}

// NewCoordinator creates a coordinator expanding at most concurrency
// sections at a time.
func NewCoordinator(expander SectionExpander, concurrency, maxRetries int, retryDelay time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Coordinator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{
		expander:    expander,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		metrics:     metrics,
		logger:      logger,
	}
}

// Expand runs all jobs and returns one outcome per job, ordered by section
// index. Cancelling the context stops new sections from starting and marks
// them failed with the cancellation error; sections already in flight drain
// to completion so their results can still be checkpointed.
func (c *Coordinator) Expand(ctx context.Context, pdfContent []byte, jobs []ExpansionJob) []ExpansionOutcome {
	if len(jobs) == 0 {
		return nil
	}

	outcomeChan := make(chan ExpansionOutcome, len(jobs))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		go func(job ExpansionJob) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomeChan <- cancelledOutcome(job, ctx.Err())
				return
			}

			// The semaphore and the cancellation can become ready
			// together; never start a fresh section after cancel.
			if err := ctx.Err(); err != nil {
				outcomeChan <- cancelledOutcome(job, err)
				return
			}

			outcomeChan <- c.expandOne(ctx, pdfContent, job)
		}(job)
	}

	go func() {
		wg.Wait()
		close(outcomeChan)
	}()

	outcomes := make([]ExpansionOutcome, 0, len(jobs))
	for outcome := range outcomeChan {
		if c.OnOutcome != nil {
			c.OnOutcome(outcome)
		}
		outcomes = append(outcomes, outcome)
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Index < outcomes[j].Index
	})

	return outcomes
}

func cancelledOutcome(job ExpansionJob, cause error) ExpansionOutcome {
	return ExpansionOutcome{
		Index:        job.Index,
		SectionTitle: job.Section.Title,
		Err:          domain.NewExtractionError(extraction.OpSectionExpansion, job.Section.Title, 0, false, cause),
	}
}

func (c *Coordinator) expandOne(ctx context.Context, pdfContent []byte, job ExpansionJob) ExpansionOutcome {
	logger := observability.WithSectionContext(c.logger, job.Index, job.Section.Title)
	outcome := ExpansionOutcome{
		Index:        job.Index,
		SectionTitle: job.Section.Title,
	}

	var result *extraction.ExpansionResult
	start := time.Now()

	outcome.Err = retryWithBackoff(ctx, c.maxRetries, c.retryDelay,
		func(attempt int, err error) {
			c.metrics.RecordExpansionRetry()
			logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying section expansion")
		},
		func(ctx context.Context) error {
			outcome.Attempts++
			// The attempt runs on a context detached from cancellation so
			// an in-flight model call drains instead of aborting mid-call.
			// The retry loop still observes the run context and schedules
			// no further attempts after cancel.
			var err error
			result, err = c.expander.ExpandSection(context.WithoutCancel(ctx), pdfContent, job.Section)
			return err
		})

	if outcome.Err != nil {
		c.metrics.RecordExpansionFailed()
		if errors.Is(outcome.Err, domain.ErrSchemaViolation) {
			c.metrics.RecordSchemaViolation(extraction.OpSectionExpansion)
		}
		logger.Error().Err(outcome.Err).Int("attempts", outcome.Attempts).Msg("section expansion failed")
		return outcome
	}

	outcome.Expansion = result.Expansion
	c.metrics.RecordExpansionSucceeded()
	c.metrics.RecordModelRequest(extraction.OpSectionExpansion, result.Model,
		time.Since(start).Seconds(), result.InputTokens, result.OutputTokens)
	logger.Debug().Int("attempts", outcome.Attempts).Msg("section expanded")

	return outcome
}
