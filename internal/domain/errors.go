package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrCancelled indicates that an operation was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrFetchFailed indicates that a PDF could not be retrieved.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrExtractionFailed indicates that a model call failed or returned
	// unusable output.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrSchemaViolation indicates that model output parsed as JSON but did
	// not conform to the declared schema.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrPersistenceFailed indicates that a database write failed.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrPartialExpansion indicates that one or more section expansions
	// failed while others succeeded.
	ErrPartialExpansion = errors.New("partial expansion failure")
)

// Failure classes recorded on terminal pipeline runs.
const (
	FailureClassFetch       = "fetch_error"
	FailureClassExtraction  = "extraction_error"
	FailureClassSchema      = "schema_violation"
	FailureClassPersistence = "persistence_error"
	FailureClassPartial     = "partial_expansion_failure"
	FailureClassCancelled   = "cancelled"
	FailureClassInternal    = "internal_error"
)

// ClassifyError maps an error to its failure class for run records.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, ErrSchemaViolation):
		return FailureClassSchema
	case errors.Is(err, ErrFetchFailed):
		return FailureClassFetch
	case errors.Is(err, ErrPartialExpansion):
		return FailureClassPartial
	case errors.Is(err, ErrExtractionFailed):
		return FailureClassExtraction
	case errors.Is(err, ErrPersistenceFailed):
		return FailureClassPersistence
	case errors.Is(err, ErrCancelled):
		return FailureClassCancelled
	default:
		return FailureClassInternal
	}
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RateLimitError provides details about a rate limit error.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: retry after %s", e.Source, e.RetryAfter)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// FetchError provides details about a failed PDF retrieval.
type FetchError struct {
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed for %s (status %d): %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("fetch failed for %s: %s", e.URL, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *FetchError) Unwrap() error {
	return ErrFetchFailed
}

// ExtractionError provides details about a failed model extraction call.
// Transient errors are eligible for retry with backoff; non-transient
// errors fail the attempt immediately.
type ExtractionError struct {
	Operation    string
	SectionTitle string
	Attempts     int
	Transient    bool
	Cause        error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.SectionTitle != "" {
		return fmt.Sprintf("%s failed for section %q after %d attempt(s): %v", e.Operation, e.SectionTitle, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Cause)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ExtractionError) Unwrap() error {
	return ErrExtractionFailed
}

// Retryable reports whether another attempt could reasonably succeed.
func (e *ExtractionError) Retryable() bool {
	return e.Transient
}

// SchemaViolationError describes model output that parsed as JSON but
// failed schema validation. Schema violations are never retried with the
// same input.
type SchemaViolationError struct {
	Schema  string
	Field   string
	Message string
}

// Error implements the error interface.
func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation in %s: %s: %s", e.Schema, e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *SchemaViolationError) Unwrap() error {
	return ErrSchemaViolation
}

// PersistenceError provides details about a failed database write.
type PersistenceError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *PersistenceError) Unwrap() error {
	return ErrPersistenceFailed
}

// PartialExpansionError reports that some section expansions failed while
// the rest succeeded. The run policy decides whether the successful
// subset is persisted or the whole run fails.
type PartialExpansionError struct {
	FailedSections []string
	Total          int
}

// Error implements the error interface.
func (e *PartialExpansionError) Error() string {
	return fmt.Sprintf("partial expansion failure: %d of %d sections failed", len(e.FailedSections), e.Total)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *PartialExpansionError) Unwrap() error {
	return ErrPartialExpansion
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(source string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Source:     source,
		RetryAfter: retryAfter,
	}
}

// NewFetchError creates a new FetchError.
func NewFetchError(url string, statusCode int, message string, cause error) *FetchError {
	return &FetchError{
		URL:        url,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewExtractionError creates a new ExtractionError.
func NewExtractionError(operation, sectionTitle string, attempts int, transient bool, cause error) *ExtractionError {
	return &ExtractionError{
		Operation:    operation,
		SectionTitle: sectionTitle,
		Attempts:     attempts,
		Transient:    transient,
		Cause:        cause,
	}
}

// NewSchemaViolationError creates a new SchemaViolationError.
func NewSchemaViolationError(schema, field, message string) *SchemaViolationError {
	return &SchemaViolationError{
		Schema:  schema,
		Field:   field,
		Message: message,
	}
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(operation string, cause error) *PersistenceError {
	return &PersistenceError{
		Operation: operation,
		Cause:     cause,
	}
}

// NewPartialExpansionError creates a new PartialExpansionError.
func NewPartialExpansionError(failedSections []string, total int) *PartialExpansionError {
	return &PartialExpansionError{
		FailedSections: failedSections,
		Total:          total,
	}
}
