package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/pdf"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "transient extraction error",
			err:  domain.NewExtractionError("outline_extraction", "", 1, true, errors.New("503")),
			want: true,
		},
		{
			name: "permanent extraction error",
			err:  domain.NewExtractionError("outline_extraction", "", 1, false, errors.New("401")),
			want: false,
		},
		{
			name: "schema violation",
			err:  domain.NewSchemaViolationError("paper_outline", "title", "missing"),
			want: false,
		},
		{
			name: "fetch network error",
			err:  domain.NewFetchError("https://example.com/a.pdf", 0, "connection refused", nil),
			want: true,
		},
		{
			name: "fetch rate limited",
			err:  domain.NewFetchError("https://example.com/a.pdf", 429, "too many requests", nil),
			want: true,
		},
		{
			name: "fetch server error",
			err:  domain.NewFetchError("https://example.com/a.pdf", 503, "unavailable", nil),
			want: true,
		},
		{
			name: "fetch client error",
			err:  domain.NewFetchError("https://example.com/a.pdf", 404, "not found", nil),
			want: false,
		},
		{
			name: "fetch of non-pdf content",
			err:  domain.NewFetchError("https://example.com/a.pdf", 0, "text/html", pdf.ErrNotPDF),
			want: false,
		},
		{
			name: "fetch of oversized document",
			err:  domain.NewFetchError("https://example.com/a.pdf", 0, "too large", pdf.ErrTooLarge),
			want: false,
		},
		{
			name: "fetch blocked by ssrf guard",
			err:  domain.NewFetchError("http://169.254.169.254/a.pdf", 0, "private address", pdf.ErrSSRF),
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	t.Run("returns immediately on success", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(ctx, 3, time.Millisecond, nil, func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		retries := 0
		err := retryWithBackoff(ctx, 3, time.Millisecond,
			func(attempt int, err error) { retries++ },
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return domain.NewExtractionError("outline_extraction", "", 1, true, errors.New("503"))
				}
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, retries)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		permanent := domain.NewExtractionError("outline_extraction", "", 1, false, errors.New("401"))
		err := retryWithBackoff(ctx, 3, time.Millisecond, nil, func(ctx context.Context) error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, domain.ErrExtractionFailed)
		assert.Equal(t, 1, calls)
	})

	t.Run("never retries schema violations", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(ctx, 3, time.Millisecond, nil, func(ctx context.Context) error {
			calls++
			return domain.NewSchemaViolationError("paper_outline", "sections", "not an array")
		})
		assert.ErrorIs(t, err, domain.ErrSchemaViolation)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts retry budget and returns last error", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(ctx, 2, time.Millisecond, nil, func(ctx context.Context) error {
			calls++
			return domain.NewExtractionError("outline_extraction", "", 1, true, errors.New("503"))
		})
		assert.ErrorIs(t, err, domain.ErrExtractionFailed)
		assert.Equal(t, 3, calls)
	})

	t.Run("respects context cancellation during backoff", func(t *testing.T) {
		cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		calls := 0
		err := retryWithBackoff(cancelCtx, 5, time.Minute, nil, func(ctx context.Context) error {
			calls++
			return domain.NewExtractionError("outline_extraction", "", 1, true, errors.New("503"))
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, calls)
	})
}
