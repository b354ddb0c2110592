package server

import (
	"time"

	"github.com/paperforge/paper-outline-service/internal/domain"
)

// Response types for JSON serialization.

type submitPaperResponse struct {
	RunID     string    `json:"run_id"`
	PDFURL    string    `json:"pdf_url"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

type runResponse struct {
	RunID                string               `json:"run_id"`
	PDFURL               string               `json:"pdf_url"`
	Stage                string               `json:"stage"`
	PartialFailurePolicy string               `json:"partial_failure_policy"`
	DedupPolicy          string               `json:"dedup_policy"`
	PDFSHA256            string               `json:"pdf_sha256,omitempty"`
	TotalSections        int                  `json:"total_sections"`
	SectionsSucceeded    int                  `json:"sections_succeeded"`
	SectionsFailed       int                  `json:"sections_failed"`
	FailureStage         string               `json:"failure_stage,omitempty"`
	FailureClass         string               `json:"failure_class,omitempty"`
	ErrorMessage         string               `json:"error_message,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	Duration             string               `json:"duration,omitempty"`
	Sections             []runSectionResponse `json:"sections,omitempty"`
	Result               *runResultResponse   `json:"result,omitempty"`
}

type runSectionResponse struct {
	SectionIndex int    `json:"section_index"`
	SectionTitle string `json:"section_title"`
	State        string `json:"state"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// runResultResponse summarizes the persisted paper of a completed run.
type runResultResponse struct {
	PaperID         int    `json:"paper_id"`
	Title           string `json:"title"`
	SectionsWritten int    `json:"sections_written"`
	TotalAuthors    int    `json:"total_authors"`
	TotalKeywords   int    `json:"total_keywords"`
}

type listRunsResponse struct {
	Runs          []runResponse `json:"runs"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	TotalCount    int           `json:"total_count"`
}

type paperResponse struct {
	ID        int                    `json:"id"`
	Title     string                 `json:"title"`
	Authors   []string               `json:"authors,omitempty"`
	Abstract  string                 `json:"abstract,omitempty"`
	Keywords  []string               `json:"keywords,omitempty"`
	PDFURL    string                 `json:"pdf_url"`
	CreatedAt time.Time              `json:"created_at"`
	Sections  []paperSectionResponse `json:"sections,omitempty"`
}

type paperSectionResponse struct {
	ID                 int                    `json:"id"`
	SectionTitle       string                 `json:"section_title"`
	SectionDescription string                 `json:"section_description,omitempty"`
	Subsections        []string               `json:"subsections,omitempty"`
	Summary            string                 `json:"summary,omitempty"`
	KeyPoints          []string               `json:"key_points,omitempty"`
	Methodologies      []domain.Methodology   `json:"methodologies,omitempty"`
	Results            []domain.ResultFinding `json:"results,omitempty"`
	FiguresAndTables   []domain.FigureOrTable `json:"figures_and_tables,omitempty"`
	Citations          []string               `json:"citations,omitempty"`
}

type listPapersResponse struct {
	Papers        []paperResponse `json:"papers"`
	NextPageToken string          `json:"next_page_token,omitempty"`
	TotalCount    int             `json:"total_count"`
}

type paperOverviewResponse struct {
	ID           int       `json:"id"`
	Title        string    `json:"title"`
	PDFURL       string    `json:"pdf_url"`
	SectionCount int       `json:"section_count"`
	AuthorCount  int       `json:"author_count"`
	KeywordCount int       `json:"keyword_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Converter functions

func domainRunToResponse(run *domain.PipelineRun) runResponse {
	resp := runResponse{
		RunID:                run.ID.String(),
		PDFURL:               run.PDFURL,
		Stage:                string(run.Stage),
		PartialFailurePolicy: string(run.PartialFailurePolicy),
		DedupPolicy:          string(run.DedupPolicy),
		PDFSHA256:            run.PDFSHA256,
		TotalSections:        run.TotalSections,
		SectionsSucceeded:    run.SectionsSucceeded,
		SectionsFailed:       run.SectionsFailed,
		FailureStage:         string(run.FailureStage),
		FailureClass:         run.FailureClass,
		ErrorMessage:         run.ErrorMessage,
		CreatedAt:            run.CreatedAt,
		UpdatedAt:            run.UpdatedAt,
		CompletedAt:          run.CompletedAt,
	}
	if d := run.Duration(); d > 0 {
		resp.Duration = d.String()
	}
	return resp
}

func domainRunSectionToResponse(s *domain.RunSection) runSectionResponse {
	return runSectionResponse{
		SectionIndex: s.SectionIndex,
		SectionTitle: s.SectionTitle,
		State:        string(s.State),
		Attempts:     s.Attempts,
		ErrorMessage: s.ErrorMessage,
	}
}

func domainPaperToResponse(p *domain.Paper) paperResponse {
	return paperResponse{
		ID:        p.ID,
		Title:     p.Title,
		Authors:   p.Authors,
		Abstract:  p.Abstract,
		Keywords:  p.Keywords,
		PDFURL:    p.PDFURL,
		CreatedAt: p.CreatedAt,
	}
}

func domainSectionToResponse(s *domain.PaperSection) paperSectionResponse {
	return paperSectionResponse{
		ID:                 s.ID,
		SectionTitle:       s.SectionTitle,
		SectionDescription: s.SectionDescription,
		Subsections:        s.Subsections,
		Summary:            s.Summary,
		KeyPoints:          s.KeyPoints,
		Methodologies:      s.Methodologies,
		Results:            s.Results,
		FiguresAndTables:   s.FiguresAndTables,
		Citations:          s.Citations,
	}
}

func domainOverviewToResponse(o *domain.PaperOverview) paperOverviewResponse {
	return paperOverviewResponse{
		ID:           o.ID,
		Title:        o.Title,
		PDFURL:       o.PDFURL,
		SectionCount: o.SectionCount,
		AuthorCount:  o.AuthorCount,
		KeywordCount: o.KeywordCount,
		CreatedAt:    o.CreatedAt,
	}
}
