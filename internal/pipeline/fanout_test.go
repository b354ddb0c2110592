package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/extraction"
	"github.com/paperforge/paper-outline-service/internal/observability"
)

func makeJobs(titles ...string) []ExpansionJob {
	jobs := make([]ExpansionJob, len(titles))
	for i, title := range titles {
		jobs[i] = ExpansionJob{
			Index:   i,
			Section: domain.OutlineSection{Title: title, Description: "About " + title},
		}
	}
	return jobs
}

// blockingExpander holds each call until release closes, recording whether
// the call context was cancelled underneath it.
type blockingExpander struct {
	started   chan struct{}
	release   chan struct{}
	sawCancel atomic.Bool
}

func (e *blockingExpander) ExpandSection(ctx context.Context, pdfContent []byte, section domain.OutlineSection) (*extraction.ExpansionResult, error) {
	e.started <- struct{}{}
	select {
	case <-ctx.Done():
		e.sawCancel.Store(true)
		return nil, domain.NewExtractionError(extraction.OpSectionExpansion, section.Title, 1, false, ctx.Err())
	case <-e.release:
	}
	return &extraction.ExpansionResult{
		Expansion: &domain.SectionExpansion{
			SectionTitle: section.Title,
			Summary:      "Summary of " + section.Title,
		},
		Model: "gemini-test",
	}, nil
}

func TestCoordinator_Expand(t *testing.T) {
	ctx := context.Background()

	t.Run("expands all sections ordered by index", func(t *testing.T) {
		expander := newFakeExpander()
		metrics := observability.NewMetrics("test_fanout_all")
		c := NewCoordinator(expander, 4, 0, time.Millisecond, metrics, zerolog.Nop())

		outcomes := c.Expand(ctx, []byte("pdf"), makeJobs("Intro", "Methods", "Results", "Discussion"))

		require.Len(t, outcomes, 4)
		for i, outcome := range outcomes {
			assert.Equal(t, i, outcome.Index)
			assert.True(t, outcome.Succeeded())
			require.NotNil(t, outcome.Expansion)
			assert.Equal(t, 1, outcome.Attempts)
		}
		assert.Equal(t, "Summary of Methods", outcomes[1].Expansion.Summary)
	})

	t.Run("bounds concurrent expansions", func(t *testing.T) {
		expander := newFakeExpander()
		expander.delay = 10 * time.Millisecond
		metrics := observability.NewMetrics("test_fanout_bounded")
		c := NewCoordinator(expander, 2, 0, time.Millisecond, metrics, zerolog.Nop())

		outcomes := c.Expand(ctx, []byte("pdf"), makeJobs("A", "B", "C", "D", "E", "F"))

		require.Len(t, outcomes, 6)
		assert.LessOrEqual(t, expander.maxInFlight.Load(), int32(2))
	})

	t.Run("isolates section failures", func(t *testing.T) {
		expander := newFakeExpander()
		expander.failWith["Methods"] = domain.NewExtractionError("section_expansion", "Methods", 1, false, errors.New("401"))
		metrics := observability.NewMetrics("test_fanout_isolation")
		c := NewCoordinator(expander, 4, 2, time.Millisecond, metrics, zerolog.Nop())

		outcomes := c.Expand(ctx, []byte("pdf"), makeJobs("Intro", "Methods", "Results"))

		require.Len(t, outcomes, 3)
		assert.True(t, outcomes[0].Succeeded())
		assert.False(t, outcomes[1].Succeeded())
		assert.True(t, outcomes[2].Succeeded())
		// Permanent error, so no retries were spent on it.
		assert.Equal(t, 1, expander.calls("Methods"))
	})

	t.Run("retries transient failures per section", func(t *testing.T) {
		expander := newFakeExpander()
		expander.failUntil["Intro"] = 2
		metrics := observability.NewMetrics("test_fanout_retry")
		c := NewCoordinator(expander, 4, 3, time.Millisecond, metrics, zerolog.Nop())

		outcomes := c.Expand(ctx, []byte("pdf"), makeJobs("Intro"))

		require.Len(t, outcomes, 1)
		assert.True(t, outcomes[0].Succeeded())
		assert.Equal(t, 3, outcomes[0].Attempts)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		expander := newFakeExpander()
		expander.failUntil["Intro"] = 10
		metrics := observability.NewMetrics("test_fanout_budget")
		c := NewCoordinator(expander, 4, 2, time.Millisecond, metrics, zerolog.Nop())

		outcomes := c.Expand(ctx, []byte("pdf"), makeJobs("Intro"))

		require.Len(t, outcomes, 1)
		assert.False(t, outcomes[0].Succeeded())
		assert.ErrorIs(t, outcomes[0].Err, domain.ErrExtractionFailed)
		assert.Equal(t, 3, outcomes[0].Attempts)
	})

	t.Run("invokes OnOutcome for every section", func(t *testing.T) {
		expander := newFakeExpander()
		metrics := observability.NewMetrics("test_fanout_onoutcome")
		c := NewCoordinator(expander, 2, 0, time.Millisecond, metrics, zerolog.Nop())

		var mu sync.Mutex
		seen := make(map[int]bool)
		c.OnOutcome = func(outcome ExpansionOutcome) {
			mu.Lock()
			seen[outcome.Index] = true
			mu.Unlock()
		}

		c.Expand(ctx, []byte("pdf"), makeJobs("A", "B", "C"))

		assert.Len(t, seen, 3)
	})

	t.Run("returns nil for no jobs", func(t *testing.T) {
		metrics := observability.NewMetrics("test_fanout_empty")
		c := NewCoordinator(newFakeExpander(), 2, 0, time.Millisecond, metrics, zerolog.Nop())
		assert.Nil(t, c.Expand(ctx, []byte("pdf"), nil))
	})

	t.Run("in-flight expansion drains after cancellation", func(t *testing.T) {
		expander := &blockingExpander{
			started: make(chan struct{}, 2),
			release: make(chan struct{}),
		}
		metrics := observability.NewMetrics("test_fanout_drain")
		c := NewCoordinator(expander, 1, 0, time.Millisecond, metrics, zerolog.Nop())

		cancelCtx, cancel := context.WithCancel(ctx)
		done := make(chan []ExpansionOutcome, 1)
		go func() {
			done <- c.Expand(cancelCtx, []byte("pdf"), makeJobs("A", "B"))
		}()

		<-expander.started
		cancel()
		close(expander.release)

		outcomes := <-done
		require.Len(t, outcomes, 2)

		succeeded := 0
		for _, outcome := range outcomes {
			if outcome.Succeeded() {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded, "the in-flight section should drain to completion")
		assert.False(t, expander.sawCancel.Load(), "the in-flight call must not observe the cancellation")
	})

	t.Run("marks sections failed when context is cancelled", func(t *testing.T) {
		expander := newFakeExpander()
		expander.delay = 50 * time.Millisecond
		metrics := observability.NewMetrics("test_fanout_cancel")
		c := NewCoordinator(expander, 1, 0, time.Millisecond, metrics, zerolog.Nop())

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		outcomes := c.Expand(cancelCtx, []byte("pdf"), makeJobs("A", "B", "C", "D"))

		require.Len(t, outcomes, 4)
		failed := 0
		for _, outcome := range outcomes {
			if !outcome.Succeeded() {
				failed++
			}
		}
		assert.Greater(t, failed, 0)
	})
}
