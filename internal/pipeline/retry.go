package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/pdf"
)

// retryable reports whether another attempt at the failed operation could
// reasonably succeed. Schema violations are never retryable: the model
// produced parseable output that failed validation, and the same input
// yields the same result.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrSchemaViolation) {
		return false
	}

	var extractionErr *domain.ExtractionError
	if errors.As(err, &extractionErr) {
		return extractionErr.Retryable()
	}

	var fetchErr *domain.FetchError
	if errors.As(err, &fetchErr) {
		// FetchError.Unwrap yields the sentinel, so the original cause has
		// to be inspected directly.
		cause := fetchErr.Cause
		if errors.Is(cause, pdf.ErrNotPDF) || errors.Is(cause, pdf.ErrTooLarge) || errors.Is(cause, pdf.ErrSSRF) {
			return false
		}
		return fetchErr.StatusCode == 0 || fetchErr.StatusCode == 429 || fetchErr.StatusCode >= 500
	}

	return false
}

// retryWithBackoff runs fn up to maxRetries+1 times, doubling baseDelay
// before each retry. Only errors accepted by retryable are retried.
// Context cancellation is respected between attempts. onRetry, if set, is
// invoked before each retry with the upcoming attempt number.
func retryWithBackoff(ctx context.Context, maxRetries int, baseDelay time.Duration, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(delay):
			}
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
