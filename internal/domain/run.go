package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStage represents the lifecycle stages of a pipeline run. Each
// completed stage is checkpointed durably so that an interrupted run can
// resume at the next unstarted stage.
// These values must match the database enum run_stage.
type RunStage string

const (
	StagePending           RunStage = "pending"
	StageFetching          RunStage = "fetching"
	StageOutlineExtracting RunStage = "outline_extracting"
	StageExpanding         RunStage = "expanding"
	StagePersisting        RunStage = "persisting"
	StageDone              RunStage = "done"
	StageFailed            RunStage = "failed"
)

// IsTerminal returns true if the stage represents a final state that will not change.
func (s RunStage) IsTerminal() bool {
	switch s {
	case StageDone, StageFailed:
		return true
	default:
		return false
	}
}

// PartialFailurePolicy decides what happens when some section expansions
// fail while others succeed.
type PartialFailurePolicy string

const (
	// PolicyPersistPartial persists the outline and all successful
	// expansions, marking the run as partially complete.
	PolicyPersistPartial PartialFailurePolicy = "persist_partial"

	// PolicyFailRun fails the whole run and persists nothing.
	PolicyFailRun PartialFailurePolicy = "fail_run"
)

// Valid reports whether the policy is one of the known values.
func (p PartialFailurePolicy) Valid() bool {
	return p == PolicyPersistPartial || p == PolicyFailRun
}

// DedupPolicy decides how a run treats a PDF URL that was already
// processed by an earlier run.
type DedupPolicy string

const (
	// DedupNone processes every submission as a fresh run.
	DedupNone DedupPolicy = "none"

	// DedupSkip short-circuits the run when a paper with the same PDF URL
	// already exists, reporting the existing paper ID.
	DedupSkip DedupPolicy = "skip"
)

// Valid reports whether the policy is one of the known values.
func (p DedupPolicy) Valid() bool {
	return p == DedupNone || p == DedupSkip
}

// SectionState represents the expansion state of a single outline section
// within a run. These values must match the database enum section_state.
type SectionState string

const (
	SectionStatePending   SectionState = "pending"
	SectionStateSucceeded SectionState = "succeeded"
	SectionStateFailed    SectionState = "failed"
)

// PipelineRun is the durable checkpoint record for one pipeline execution.
// The stage field records the last committed transition; collected section
// expansions live in the per-section rows so a resumed run does not redo
// completed work.
type PipelineRun struct {
	ID     uuid.UUID
	PDFURL string
	Stage  RunStage

	PartialFailurePolicy PartialFailurePolicy
	DedupPolicy          DedupPolicy

	// PDFSHA256 is recorded after the fetch stage and checked when a
	// resumed run re-fetches the document.
	PDFSHA256 string

	// Outline is set once the outline extraction stage commits.
	Outline *PaperOutline

	// PaperID is set once the persistence stage commits.
	PaperID *int

	TotalSections     int
	SectionsSucceeded int
	SectionsFailed    int

	// Failure details, set only when Stage is StageFailed.
	FailureStage RunStage
	FailureClass string
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IsActive returns true if the run is still in progress.
func (r *PipelineRun) IsActive() bool {
	return !r.Stage.IsTerminal()
}

// Duration returns elapsed time from creation, or total duration once the
// run has completed.
func (r *PipelineRun) Duration() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return time.Since(r.CreatedAt)
}

// RunSection is the durable per-section expansion checkpoint for a run.
type RunSection struct {
	RunID        uuid.UUID
	SectionIndex int
	SectionTitle string
	State        SectionState
	Attempts     int
	Expansion    *SectionExpansion
	ErrorMessage string
	UpdatedAt    time.Time
}

// NewPipelineRun creates a pending run for the given PDF URL.
func NewPipelineRun(pdfURL string, partial PartialFailurePolicy, dedup DedupPolicy) *PipelineRun {
	return &PipelineRun{
		ID:                   uuid.New(),
		PDFURL:               pdfURL,
		Stage:                StagePending,
		PartialFailurePolicy: partial,
		DedupPolicy:          dedup,
	}
}
