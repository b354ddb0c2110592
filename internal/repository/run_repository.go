package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// RunRepository handles pipeline run checkpoints. Every stage transition is
// committed through this interface before the next stage starts, so that an
// interrupted process can resume runs from their last committed stage.
type RunRepository interface {
	// Create inserts a new pending run.
	// Returns domain.ErrInvalidInput if the run is missing required fields.
	Create(ctx context.Context, run *domain.PipelineRun) error

	// GetByID retrieves a run by its ID.
	// Returns domain.ErrNotFound if no matching run exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)

	// UpdateStage transitions a run to the given stage.
	// Returns domain.ErrNotFound if the run does not exist.
	UpdateStage(ctx context.Context, id uuid.UUID, stage domain.RunStage) error

	// SetFetchResult records the content hash of the fetched PDF. A resumed
	// run re-fetches the document and compares against this hash.
	// Returns domain.ErrNotFound if the run does not exist.
	SetFetchResult(ctx context.Context, id uuid.UUID, pdfSHA256 string) error

	// SetOutline records the extracted outline and the number of sections the
	// expansion stage will process.
	// Returns domain.ErrNotFound if the run does not exist.
	SetOutline(ctx context.Context, id uuid.UUID, outline *domain.PaperOutline, totalSections int) error

	// SetSectionCounts records the expansion stage result counts.
	// Returns domain.ErrNotFound if the run does not exist.
	SetSectionCounts(ctx context.Context, id uuid.UUID, succeeded, failed int) error

	// MarkDone transitions a run to the done stage, recording the persisted
	// paper ID and completion time.
	// Returns domain.ErrNotFound if the run does not exist.
	MarkDone(ctx context.Context, id uuid.UUID, paperID int) error

	// MarkFailed transitions a run to the failed terminal stage, recording
	// which stage failed, the failure class, and the error message.
	// Returns domain.ErrNotFound if the run does not exist.
	MarkFailed(ctx context.Context, id uuid.UUID, failureStage domain.RunStage, failureClass, message string) error

	// ListActive retrieves all runs that have not reached a terminal stage,
	// oldest first. Used at startup to resume interrupted runs.
	ListActive(ctx context.Context) ([]*domain.PipelineRun, error)

	// List retrieves runs matching the filter criteria, newest first.
	// Returns the matching runs and total count for pagination.
	List(ctx context.Context, filter RunFilter) ([]*domain.PipelineRun, int64, error)

	// UpsertSection inserts or updates the per-section checkpoint row for a
	// run. Rows are keyed by (run_id, section_index).
	// Returns domain.ErrNotFound if the run does not exist.
	UpsertSection(ctx context.Context, section *domain.RunSection) error

	// GetSections retrieves all per-section checkpoint rows for a run,
	// ordered by section index.
	GetSections(ctx context.Context, runID uuid.UUID) ([]*domain.RunSection, error)
}

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	// Stage filters to runs currently in a specific stage (optional).
	Stage *domain.RunStage

	// PDFURL filters to runs submitted for a specific PDF URL (optional).
	PDFURL string

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
func (f *RunFilter) Validate() error {
	if f.Stage != nil {
		switch *f.Stage {
		case domain.StagePending, domain.StageFetching, domain.StageOutlineExtracting,
			domain.StageExpanding, domain.StagePersisting, domain.StageDone, domain.StageFailed:
		default:
			return domain.NewValidationError("stage", "unknown run stage")
		}
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
