package repository

import (
	"context"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// PaperRepository handles persisted papers and their per-section analyses.
// A paper row is the durable output of a completed pipeline run: the
// extracted outline metadata plus one section row per expanded section.
type PaperRepository interface {
	// Create inserts a new paper row and returns it with its assigned ID
	// and creation timestamp populated.
	// Returns domain.ErrInvalidInput if the paper has no title or PDF URL.
	Create(ctx context.Context, paper *domain.Paper) (*domain.Paper, error)

	// GetByID retrieves a paper by its internal ID.
	// Returns domain.ErrNotFound if no matching paper exists.
	GetByID(ctx context.Context, id int) (*domain.Paper, error)

	// GetByPDFURL retrieves the most recently created paper for a PDF URL.
	// This is the deduplication lookup: URLs are not unique across rows, so
	// the newest row wins when the same document was processed more than once.
	// Returns domain.ErrNotFound if no matching paper exists.
	GetByPDFURL(ctx context.Context, pdfURL string) (*domain.Paper, error)

	// CreateSections inserts the section analysis rows for a paper in a
	// single batch. Rows are returned in input order with IDs and creation
	// timestamps populated. Returns nil, nil for an empty input slice.
	// Returns domain.ErrNotFound if the paper does not exist.
	CreateSections(ctx context.Context, paperID int, sections []domain.PaperSection) ([]domain.PaperSection, error)

	// GetSections retrieves all section rows for a paper in insertion order.
	GetSections(ctx context.Context, paperID int) ([]domain.PaperSection, error)

	// GetOverview retrieves the summary row for a paper from the
	// paper_overview view: section, author, and keyword counts.
	// Returns domain.ErrNotFound if no matching paper exists.
	GetOverview(ctx context.Context, id int) (*domain.PaperOverview, error)

	// Delete removes a paper and, through the cascade, its section rows.
	// Returns domain.ErrNotFound if no matching paper exists.
	Delete(ctx context.Context, id int) error

	// List retrieves papers matching the filter criteria, newest first.
	// Returns the matching papers and total count for pagination.
	// The total count reflects all matching records regardless of limit/offset.
	List(ctx context.Context, filter PaperFilter) ([]*domain.Paper, int64, error)
}

// PaperFilter specifies criteria for listing papers.
type PaperFilter struct {
	// TitleContains filters to papers whose title contains the substring,
	// case-insensitively (optional).
	TitleContains string

	// Keyword filters to papers tagged with the exact keyword (optional).
	Keyword string

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
func (f *PaperFilter) Validate() error {
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
