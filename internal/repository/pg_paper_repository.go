package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// Compile-time check that PgPaperRepository implements PaperRepository.
var _ PaperRepository = (*PgPaperRepository)(nil)

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db DBTX
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{db: db}
}

const paperColumns = `id, title, authors, abstract, keywords, pdf_url, outline, created_at`

// Create inserts a new paper row.
func (r *PgPaperRepository) Create(ctx context.Context, paper *domain.Paper) (*domain.Paper, error) {
	if paper == nil {
		return nil, domain.NewValidationError("paper", "paper cannot be nil")
	}
	if paper.Title == "" {
		return nil, domain.NewValidationError("title", "title is required")
	}
	if paper.PDFURL == "" {
		return nil, domain.NewValidationError("pdf_url", "pdf_url is required")
	}

	outlineJSON, err := json.Marshal(paper.Outline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outline: %w", err)
	}

	query := `
		INSERT INTO papers (title, authors, abstract, keywords, pdf_url, outline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		paper.Title,
		textArray(paper.Authors),
		paper.Abstract,
		textArray(paper.Keywords),
		paper.PDFURL,
		outlineJSON,
	).Scan(&paper.ID, &paper.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create paper: %w", err)
	}

	return paper, nil
}

// GetByID retrieves a paper by its internal ID.
func (r *PgPaperRepository) GetByID(ctx context.Context, id int) (*domain.Paper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE id = $1`

	paper, err := scanPaper(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", strconv.Itoa(id))
		}
		return nil, fmt.Errorf("failed to get paper by id: %w", err)
	}

	return paper, nil
}

// GetByPDFURL retrieves the most recently created paper for a PDF URL.
func (r *PgPaperRepository) GetByPDFURL(ctx context.Context, pdfURL string) (*domain.Paper, error) {
	if pdfURL == "" {
		return nil, domain.NewValidationError("pdf_url", "pdf_url is required")
	}

	query := `SELECT ` + paperColumns + ` FROM papers
		WHERE pdf_url = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	paper, err := scanPaper(r.db.QueryRow(ctx, query, pdfURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", pdfURL)
		}
		return nil, fmt.Errorf("failed to get paper by pdf_url: %w", err)
	}

	return paper, nil
}

// CreateSections inserts the section analysis rows for a paper in a single batch.
func (r *PgPaperRepository) CreateSections(ctx context.Context, paperID int, sections []domain.PaperSection) ([]domain.PaperSection, error) {
	if len(sections) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO paper_sections (
			paper_id, section_title, section_description, subsections,
			summary, key_points, methodologies, results, figures_and_tables, citations
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	batch := &pgx.Batch{}
	for i := range sections {
		s := &sections[i]
		methodologiesJSON, err := jsonArray(s.Methodologies)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal methodologies for section %q: %w", s.SectionTitle, err)
		}
		resultsJSON, err := jsonArray(s.Results)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal results for section %q: %w", s.SectionTitle, err)
		}
		figuresJSON, err := jsonArray(s.FiguresAndTables)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal figures_and_tables for section %q: %w", s.SectionTitle, err)
		}

		batch.Queue(query,
			paperID,
			s.SectionTitle,
			s.SectionDescription,
			textArray(s.Subsections),
			s.Summary,
			textArray(s.KeyPoints),
			methodologiesJSON,
			resultsJSON,
			figuresJSON,
			textArray(s.Citations),
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	created := make([]domain.PaperSection, len(sections))
	for i := range sections {
		created[i] = sections[i]
		created[i].PaperID = paperID
		if err := results.QueryRow().Scan(&created[i].ID, &created[i].CreatedAt); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return nil, domain.NewNotFoundError("paper", strconv.Itoa(paperID))
			}
			return nil, fmt.Errorf("failed to create section %q: %w", sections[i].SectionTitle, err)
		}
	}

	return created, nil
}

// GetSections retrieves all section rows for a paper in insertion order.
func (r *PgPaperRepository) GetSections(ctx context.Context, paperID int) ([]domain.PaperSection, error) {
	query := `
		SELECT id, paper_id, section_title, section_description, subsections,
			summary, key_points, methodologies, results, figures_and_tables,
			citations, created_at
		FROM paper_sections
		WHERE paper_id = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, paperID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections: %w", err)
	}
	defer rows.Close()

	var sections []domain.PaperSection
	for rows.Next() {
		section, err := scanSectionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, *section)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sections: %w", err)
	}

	return sections, nil
}

// GetOverview retrieves the summary row for a paper from the paper_overview view.
func (r *PgPaperRepository) GetOverview(ctx context.Context, id int) (*domain.PaperOverview, error) {
	query := `
		SELECT id, title, pdf_url, section_count, author_count, keyword_count, created_at
		FROM paper_overview
		WHERE id = $1`

	var overview domain.PaperOverview
	err := r.db.QueryRow(ctx, query, id).Scan(
		&overview.ID,
		&overview.Title,
		&overview.PDFURL,
		&overview.SectionCount,
		&overview.AuthorCount,
		&overview.KeywordCount,
		&overview.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", strconv.Itoa(id))
		}
		return nil, fmt.Errorf("failed to get paper overview: %w", err)
	}

	return &overview, nil
}

// Delete removes a paper; the foreign key cascade removes its section rows.
func (r *PgPaperRepository) Delete(ctx context.Context, id int) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM papers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete paper: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("paper", strconv.Itoa(id))
	}
	return nil
}

// List retrieves papers matching the filter criteria, newest first.
func (r *PgPaperRepository) List(ctx context.Context, filter PaperFilter) ([]*domain.Paper, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	where := ""
	args := []interface{}{}
	argPos := 1

	if filter.TitleContains != "" {
		where += fmt.Sprintf(" AND title ILIKE $%d", argPos)
		args = append(args, "%"+filter.TitleContains+"%")
		argPos++
	}
	if filter.Keyword != "" {
		where += fmt.Sprintf(" AND $%d = ANY(keywords)", argPos)
		args = append(args, filter.Keyword)
		argPos++
	}

	countQuery := `SELECT COUNT(*) FROM papers WHERE 1=1` + where
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count papers: %w", err)
	}

	listQuery := `SELECT ` + paperColumns + ` FROM papers WHERE 1=1` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query papers: %w", err)
	}
	defer rows.Close()

	var papers []*domain.Paper
	for rows.Next() {
		paper, err := scanPaperFromRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate papers: %w", err)
	}

	return papers, total, nil
}

// textArray maps a nil slice to an empty array so text[] columns never hold NULL.
func textArray(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// jsonArray marshals a slice for a JSONB column, mapping nil to an empty array.
func jsonArray[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

// paperScanDest holds scan destinations for a paper row.
// The outline column needs JSON decoding after the scan completes.
type paperScanDest struct {
	paper       domain.Paper
	outlineJSON []byte
}

func (d *paperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.paper.ID,
		&d.paper.Title,
		&d.paper.Authors,
		&d.paper.Abstract,
		&d.paper.Keywords,
		&d.paper.PDFURL,
		&d.outlineJSON,
		&d.paper.CreatedAt,
	}
}

func (d *paperScanDest) finalize() (*domain.Paper, error) {
	if len(d.outlineJSON) > 0 {
		if err := json.Unmarshal(d.outlineJSON, &d.paper.Outline); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outline: %w", err)
		}
	}
	return &d.paper, nil
}

// scanPaper scans a single paper row from a pgx.Row.
func scanPaper(row pgx.Row) (*domain.Paper, error) {
	var dest paperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanPaperFromRows scans a single paper row from pgx.Rows.
func scanPaperFromRows(rows pgx.Rows) (*domain.Paper, error) {
	var dest paperScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// sectionScanDest holds scan destinations for a paper_sections row.
// The three analysis columns need JSON decoding after the scan completes.
type sectionScanDest struct {
	section           domain.PaperSection
	methodologiesJSON []byte
	resultsJSON       []byte
	figuresJSON       []byte
}

func (d *sectionScanDest) destinations() []interface{} {
	return []interface{}{
		&d.section.ID,
		&d.section.PaperID,
		&d.section.SectionTitle,
		&d.section.SectionDescription,
		&d.section.Subsections,
		&d.section.Summary,
		&d.section.KeyPoints,
		&d.methodologiesJSON,
		&d.resultsJSON,
		&d.figuresJSON,
		&d.section.Citations,
		&d.section.CreatedAt,
	}
}

func (d *sectionScanDest) finalize() (*domain.PaperSection, error) {
	if len(d.methodologiesJSON) > 0 {
		if err := json.Unmarshal(d.methodologiesJSON, &d.section.Methodologies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal methodologies: %w", err)
		}
	}
	if len(d.resultsJSON) > 0 {
		if err := json.Unmarshal(d.resultsJSON, &d.section.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	if len(d.figuresJSON) > 0 {
		if err := json.Unmarshal(d.figuresJSON, &d.section.FiguresAndTables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal figures_and_tables: %w", err)
		}
	}
	return &d.section, nil
}

// scanSectionFromRows scans a single section row from pgx.Rows.
func scanSectionFromRows(rows pgx.Rows) (*domain.PaperSection, error) {
	var dest sectionScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
