package domain

import "strings"

// OutlineSection is a single top-level section of the extracted outline.
type OutlineSection struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Subsections []string `json:"subsections"`
}

// PaperOutline is the structured outline extracted from a full paper PDF.
// Field names match the JSON schema declared to the model.
type PaperOutline struct {
	Title    string           `json:"title"`
	Authors  []string         `json:"authors"`
	Abstract string           `json:"abstract"`
	Sections []OutlineSection `json:"sections"`
	Keywords []string         `json:"keywords"`
}

// Validate checks the invariants the pipeline depends on: a paper needs a
// title and at least one section, or there is nothing to expand and persist.
// Violations are schema violations, since the model produced structurally
// valid output that still cannot describe a paper.
func (o *PaperOutline) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return NewSchemaViolationError("paper_outline", "$.title", "must not be empty")
	}
	if len(o.Sections) == 0 {
		return NewSchemaViolationError("paper_outline", "$.sections", "must contain at least one section")
	}
	return nil
}

// SectionTitles returns the titles of all top-level sections in order.
func (o *PaperOutline) SectionTitles() []string {
	titles := make([]string, len(o.Sections))
	for i, s := range o.Sections {
		titles[i] = s.Title
	}
	return titles
}

// Methodology describes a method used by the paper.
type Methodology struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ResultFinding describes a result reported by the paper and its significance.
type ResultFinding struct {
	Finding      string `json:"finding"`
	Significance string `json:"significance"`
}

// FigureOrTable describes a figure or table referenced by a section.
type FigureOrTable struct {
	Type        string `json:"type"`
	Caption     string `json:"caption"`
	Description string `json:"description"`
}

// SectionExpansion is the detailed per-section analysis produced by the
// expansion stage. Field names match the JSON schema declared to the model.
type SectionExpansion struct {
	SectionTitle     string          `json:"section_title"`
	Summary          string          `json:"summary"`
	KeyPoints        []string        `json:"key_points"`
	Methodologies    []Methodology   `json:"methodologies"`
	Results          []ResultFinding `json:"results"`
	FiguresAndTables []FigureOrTable `json:"figures_and_tables"`
	Citations        []string        `json:"citations"`
}
