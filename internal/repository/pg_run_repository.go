package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// Compile-time check that PgRunRepository implements RunRepository.
var _ RunRepository = (*PgRunRepository)(nil)

// PgRunRepository is a PostgreSQL implementation of RunRepository.
type PgRunRepository struct {
	db DBTX
}

// NewPgRunRepository creates a new PostgreSQL run repository.
func NewPgRunRepository(db DBTX) *PgRunRepository {
	return &PgRunRepository{db: db}
}

const runColumns = `id, pdf_url, stage, partial_failure_policy, dedup_policy,
	pdf_sha256, outline, paper_id, total_sections, sections_succeeded,
	sections_failed, failure_stage, failure_class, error_message,
	created_at, updated_at, completed_at`

// Create inserts a new pending run.
func (r *PgRunRepository) Create(ctx context.Context, run *domain.PipelineRun) error {
	if run == nil {
		return domain.NewValidationError("run", "run cannot be nil")
	}
	if run.ID == uuid.Nil {
		return domain.NewValidationError("id", "id is required")
	}
	if run.PDFURL == "" {
		return domain.NewValidationError("pdf_url", "pdf_url is required")
	}
	if !run.PartialFailurePolicy.Valid() {
		return domain.NewValidationError("partial_failure_policy", "unknown policy")
	}
	if !run.DedupPolicy.Valid() {
		return domain.NewValidationError("dedup_policy", "unknown policy")
	}

	query := `
		INSERT INTO pipeline_runs (id, pdf_url, stage, partial_failure_policy, dedup_policy)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		run.ID,
		run.PDFURL,
		run.Stage,
		run.PartialFailurePolicy,
		run.DedupPolicy,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("run %s: %w", run.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID.
func (r *PgRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("pipeline run", id.String())
		}
		return nil, fmt.Errorf("failed to get run by id: %w", err)
	}

	return run, nil
}

// UpdateStage transitions a run to the given stage.
func (r *PgRunRepository) UpdateStage(ctx context.Context, id uuid.UUID, stage domain.RunStage) error {
	query := `UPDATE pipeline_runs SET stage = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "update run stage", id, query, id, stage)
}

// SetFetchResult records the content hash of the fetched PDF.
func (r *PgRunRepository) SetFetchResult(ctx context.Context, id uuid.UUID, pdfSHA256 string) error {
	query := `UPDATE pipeline_runs SET pdf_sha256 = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "set fetch result", id, query, id, pdfSHA256)
}

// SetOutline records the extracted outline and the section count.
func (r *PgRunRepository) SetOutline(ctx context.Context, id uuid.UUID, outline *domain.PaperOutline, totalSections int) error {
	if outline == nil {
		return domain.NewValidationError("outline", "outline cannot be nil")
	}
	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return fmt.Errorf("failed to marshal outline: %w", err)
	}

	query := `UPDATE pipeline_runs SET outline = $2, total_sections = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "set outline", id, query, id, outlineJSON, totalSections)
}

// SetSectionCounts records the expansion stage result counts.
func (r *PgRunRepository) SetSectionCounts(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	query := `UPDATE pipeline_runs SET sections_succeeded = $2, sections_failed = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "set section counts", id, query, id, succeeded, failed)
}

// MarkDone transitions a run to the done stage.
func (r *PgRunRepository) MarkDone(ctx context.Context, id uuid.UUID, paperID int) error {
	query := `
		UPDATE pipeline_runs
		SET stage = 'done', paper_id = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return r.exec(ctx, "mark run done", id, query, id, paperID)
}

// MarkFailed transitions a run to the failed terminal stage.
func (r *PgRunRepository) MarkFailed(ctx context.Context, id uuid.UUID, failureStage domain.RunStage, failureClass, message string) error {
	query := `
		UPDATE pipeline_runs
		SET stage = 'failed', failure_stage = $2, failure_class = $3,
			error_message = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`
	return r.exec(ctx, "mark run failed", id, query, id, failureStage, failureClass, message)
}

// ListActive retrieves all runs that have not reached a terminal stage.
func (r *PgRunRepository) ListActive(ctx context.Context) ([]*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE stage NOT IN ('done', 'failed')
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// List retrieves runs matching the filter criteria, newest first.
func (r *PgRunRepository) List(ctx context.Context, filter RunFilter) ([]*domain.PipelineRun, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	where := ""
	args := []interface{}{}
	argPos := 1

	if filter.Stage != nil {
		where += fmt.Sprintf(" AND stage = $%d", argPos)
		args = append(args, *filter.Stage)
		argPos++
	}
	if filter.PDFURL != "" {
		where += fmt.Sprintf(" AND pdf_url = $%d", argPos)
		args = append(args, filter.PDFURL)
		argPos++
	}

	countQuery := `SELECT COUNT(*) FROM pipeline_runs WHERE 1=1` + where
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	listQuery := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE 1=1` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

// UpsertSection inserts or updates the per-section checkpoint row for a run.
func (r *PgRunRepository) UpsertSection(ctx context.Context, section *domain.RunSection) error {
	if section == nil {
		return domain.NewValidationError("section", "section cannot be nil")
	}
	if section.RunID == uuid.Nil {
		return domain.NewValidationError("run_id", "run_id is required")
	}
	if section.SectionIndex < 0 {
		return domain.NewValidationError("section_index", "section_index cannot be negative")
	}

	var expansionJSON []byte
	if section.Expansion != nil {
		var err error
		expansionJSON, err = json.Marshal(section.Expansion)
		if err != nil {
			return fmt.Errorf("failed to marshal expansion: %w", err)
		}
	}

	query := `
		INSERT INTO pipeline_run_sections (
			run_id, section_index, section_title, state, attempts, expansion, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, section_index) DO UPDATE SET
			section_title = EXCLUDED.section_title,
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			expansion = EXCLUDED.expansion,
			error_message = EXCLUDED.error_message,
			updated_at = NOW()
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		section.RunID,
		section.SectionIndex,
		section.SectionTitle,
		section.State,
		section.Attempts,
		expansionJSON,
		section.ErrorMessage,
	).Scan(&section.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.NewNotFoundError("pipeline run", section.RunID.String())
		}
		return fmt.Errorf("failed to upsert run section: %w", err)
	}

	return nil
}

// GetSections retrieves all per-section checkpoint rows for a run.
func (r *PgRunRepository) GetSections(ctx context.Context, runID uuid.UUID) ([]*domain.RunSection, error) {
	query := `
		SELECT run_id, section_index, section_title, state, attempts, expansion,
			error_message, updated_at
		FROM pipeline_run_sections
		WHERE run_id = $1
		ORDER BY section_index`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run sections: %w", err)
	}
	defer rows.Close()

	var sections []*domain.RunSection
	for rows.Next() {
		section, err := scanRunSectionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run section: %w", err)
		}
		sections = append(sections, section)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run sections: %w", err)
	}

	return sections, nil
}

// exec runs an UPDATE that targets exactly one run, mapping a zero row count
// to domain.ErrNotFound.
func (r *PgRunRepository) exec(ctx context.Context, op string, id uuid.UUID, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	return nil
}

// runScanDest holds scan destinations for a pipeline_runs row.
// The outline column needs JSON decoding after the scan completes.
type runScanDest struct {
	run         domain.PipelineRun
	outlineJSON []byte
}

func (d *runScanDest) destinations() []interface{} {
	return []interface{}{
		&d.run.ID,
		&d.run.PDFURL,
		&d.run.Stage,
		&d.run.PartialFailurePolicy,
		&d.run.DedupPolicy,
		&d.run.PDFSHA256,
		&d.outlineJSON,
		&d.run.PaperID,
		&d.run.TotalSections,
		&d.run.SectionsSucceeded,
		&d.run.SectionsFailed,
		&d.run.FailureStage,
		&d.run.FailureClass,
		&d.run.ErrorMessage,
		&d.run.CreatedAt,
		&d.run.UpdatedAt,
		&d.run.CompletedAt,
	}
}

func (d *runScanDest) finalize() (*domain.PipelineRun, error) {
	if len(d.outlineJSON) > 0 {
		var outline domain.PaperOutline
		if err := json.Unmarshal(d.outlineJSON, &outline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outline: %w", err)
		}
		d.run.Outline = &outline
	}
	return &d.run, nil
}

// scanRun scans a single run row from a pgx.Row.
func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	var dest runScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanRunFromRows scans a single run row from pgx.Rows.
func scanRunFromRows(rows pgx.Rows) (*domain.PipelineRun, error) {
	var dest runScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// collectRuns drains rows into a slice of runs.
func collectRuns(rows pgx.Rows) ([]*domain.PipelineRun, error) {
	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// runSectionScanDest holds scan destinations for a pipeline_run_sections row.
type runSectionScanDest struct {
	section       domain.RunSection
	expansionJSON []byte
}

func (d *runSectionScanDest) destinations() []interface{} {
	return []interface{}{
		&d.section.RunID,
		&d.section.SectionIndex,
		&d.section.SectionTitle,
		&d.section.State,
		&d.section.Attempts,
		&d.expansionJSON,
		&d.section.ErrorMessage,
		&d.section.UpdatedAt,
	}
}

func (d *runSectionScanDest) finalize() (*domain.RunSection, error) {
	if len(d.expansionJSON) > 0 {
		var expansion domain.SectionExpansion
		if err := json.Unmarshal(d.expansionJSON, &expansion); err != nil {
			return nil, fmt.Errorf("failed to unmarshal expansion: %w", err)
		}
		d.section.Expansion = &expansion
	}
	return &d.section, nil
}

// scanRunSectionFromRows scans a single run section row from pgx.Rows.
func scanRunSectionFromRows(rows pgx.Rows) (*domain.RunSection, error) {
	var dest runSectionScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
