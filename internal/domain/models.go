// Package domain provides domain models and business logic for the Paper
// Outline Service.
package domain

import "time"

// Paper represents a persisted paper row with its extracted outline.
type Paper struct {
	ID        int
	Title     string
	Authors   []string
	Abstract  string
	Keywords  []string
	PDFURL    string
	Outline   PaperOutline
	CreatedAt time.Time
}

// PaperSection represents a persisted per-section analysis row.
type PaperSection struct {
	ID                 int
	PaperID            int
	SectionTitle       string
	SectionDescription string
	Subsections        []string
	Summary            string
	KeyPoints          []string
	Methodologies      []Methodology
	Results            []ResultFinding
	FiguresAndTables   []FigureOrTable
	Citations          []string
	CreatedAt          time.Time
}

// NewPaperFromOutline builds an unsaved Paper from an extracted outline.
func NewPaperFromOutline(outline PaperOutline, pdfURL string) Paper {
	return Paper{
		Title:    outline.Title,
		Authors:  outline.Authors,
		Abstract: outline.Abstract,
		Keywords: outline.Keywords,
		PDFURL:   pdfURL,
		Outline:  outline,
	}
}

// NewSectionRow pairs an outline section with its expansion into an
// unsaved PaperSection row. A nil expansion leaves the analysis columns
// empty, which happens for sections skipped under the persist-partial
// policy.
func NewSectionRow(section OutlineSection, expansion *SectionExpansion) PaperSection {
	row := PaperSection{
		SectionTitle:       section.Title,
		SectionDescription: section.Description,
		Subsections:        section.Subsections,
	}
	if expansion != nil {
		row.Summary = expansion.Summary
		row.KeyPoints = expansion.KeyPoints
		row.Methodologies = expansion.Methodologies
		row.Results = expansion.Results
		row.FiguresAndTables = expansion.FiguresAndTables
		row.Citations = expansion.Citations
	}
	return row
}

// PaperOverview is a read-only summary row from the paper_overview view.
type PaperOverview struct {
	ID           int
	Title        string
	PDFURL       string
	SectionCount int
	AuthorCount  int
	KeywordCount int
	CreatedAt    time.Time
}
