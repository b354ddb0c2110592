package repository

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/paperforge/paper-outline-service/internal/database"
	"github.com/paperforge/paper-outline-service/internal/domain"
)

// TxRunner runs a function inside a database transaction. *database.DB
// satisfies this interface; tests provide a mock-backed implementation.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
	AcquireAdvisoryLockTx(ctx context.Context, tx pgx.Tx, key int64) error
}

// Compile-time check that *database.DB implements TxRunner.
var _ TxRunner = (*database.DB)(nil)

// PersistResult describes the outcome of a persistence attempt.
type PersistResult struct {
	// PaperID is the ID of the persisted paper, or of the existing paper
	// when the run was deduplicated.
	PaperID int

	// SectionsPersisted is the number of section rows written.
	SectionsPersisted int

	// Deduplicated is true when an existing paper with the same PDF URL was
	// found and no new rows were written.
	Deduplicated bool
}

// PersistenceWriter commits a run's extracted paper and all of its section
// rows in a single transaction. Concurrent runs for the same PDF URL are
// serialized with a transaction-scoped advisory lock so the deduplication
// lookup and the insert cannot interleave.
type PersistenceWriter struct {
	db     TxRunner
	logger zerolog.Logger
}

// NewPersistenceWriter creates a persistence writer.
func NewPersistenceWriter(db TxRunner, logger zerolog.Logger) *PersistenceWriter {
	return &PersistenceWriter{
		db:     db,
		logger: logger.With().Str("component", "persistence_writer").Logger(),
	}
}

// Persist writes the paper derived from the run's outline together with the
// given section rows. Either everything commits or nothing does.
//
// Under domain.DedupSkip, an existing paper with the same PDF URL
// short-circuits the write and its ID is reported instead.
func (w *PersistenceWriter) Persist(ctx context.Context, run *domain.PipelineRun, sections []domain.PaperSection) (*PersistResult, error) {
	if run == nil {
		return nil, domain.NewValidationError("run", "run cannot be nil")
	}
	if run.Outline == nil {
		return nil, domain.NewValidationError("outline", "run has no extracted outline")
	}

	result := &PersistResult{}

	err := w.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := w.db.AcquireAdvisoryLockTx(ctx, tx, urlLockKey(run.PDFURL)); err != nil {
			return fmt.Errorf("failed to acquire persistence lock: %w", err)
		}

		papers := NewPgPaperRepository(tx)

		if run.DedupPolicy == domain.DedupSkip {
			existing, err := papers.GetByPDFURL(ctx, run.PDFURL)
			switch {
			case err == nil:
				result.PaperID = existing.ID
				result.Deduplicated = true
				return nil
			case errors.Is(err, domain.ErrNotFound):
				// First run for this URL, fall through to the insert.
			default:
				return err
			}
		}

		paper := domain.NewPaperFromOutline(*run.Outline, run.PDFURL)
		created, err := papers.Create(ctx, &paper)
		if err != nil {
			return err
		}

		rows, err := papers.CreateSections(ctx, created.ID, sections)
		if err != nil {
			return err
		}

		result.PaperID = created.ID
		result.SectionsPersisted = len(rows)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, domain.NewPersistenceError("persist paper", err)
	}

	if result.Deduplicated {
		w.logger.Info().
			Str("run_id", run.ID.String()).
			Int("paper_id", result.PaperID).
			Msg("run deduplicated against existing paper")
	} else {
		w.logger.Info().
			Str("run_id", run.ID.String()).
			Int("paper_id", result.PaperID).
			Int("sections", result.SectionsPersisted).
			Msg("paper persisted")
	}

	return result, nil
}

// urlLockKey derives a stable advisory lock key from a PDF URL.
func urlLockKey(pdfURL string) int64 {
	h := fnv.New64a()
	h.Write([]byte(pdfURL))
	return int64(h.Sum64())
}
