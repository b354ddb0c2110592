package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/extraction"
	"github.com/paperforge/paper-outline-service/internal/observability"
	"github.com/paperforge/paper-outline-service/internal/pdf"
	"github.com/paperforge/paper-outline-service/internal/repository"
)

// fakeRunRepo is an in-memory RunRepository recording every stage
// transition for assertions.
type fakeRunRepo struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*domain.PipelineRun
	sections map[uuid.UUID]map[int]*domain.RunSection
	stageLog []domain.RunStage
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:     make(map[uuid.UUID]*domain.PipelineRun),
		sections: make(map[uuid.UUID]map[int]*domain.RunSection),
	}
}

func (f *fakeRunRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, domain.NewNotFoundError("pipeline run", id.String())
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRunRepo) UpdateStage(ctx context.Context, id uuid.UUID, stage domain.RunStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.Stage = stage
	f.stageLog = append(f.stageLog, stage)
	return nil
}

func (f *fakeRunRepo) SetFetchResult(ctx context.Context, id uuid.UUID, pdfSHA256 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.PDFSHA256 = pdfSHA256
	return nil
}

func (f *fakeRunRepo) SetOutline(ctx context.Context, id uuid.UUID, outline *domain.PaperOutline, totalSections int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.Outline = outline
	run.TotalSections = totalSections
	return nil
}

func (f *fakeRunRepo) SetSectionCounts(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.SectionsSucceeded = succeeded
	run.SectionsFailed = failed
	return nil
}

func (f *fakeRunRepo) MarkDone(ctx context.Context, id uuid.UUID, paperID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.Stage = domain.StageDone
	run.PaperID = &paperID
	now := time.Now().UTC()
	run.CompletedAt = &now
	f.stageLog = append(f.stageLog, domain.StageDone)
	return nil
}

func (f *fakeRunRepo) MarkFailed(ctx context.Context, id uuid.UUID, failureStage domain.RunStage, failureClass, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.NewNotFoundError("pipeline run", id.String())
	}
	run.Stage = domain.StageFailed
	run.FailureStage = failureStage
	run.FailureClass = failureClass
	run.ErrorMessage = message
	now := time.Now().UTC()
	run.CompletedAt = &now
	f.stageLog = append(f.stageLog, domain.StageFailed)
	return nil
}

func (f *fakeRunRepo) ListActive(ctx context.Context) ([]*domain.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*domain.PipelineRun
	for _, run := range f.runs {
		if run.IsActive() {
			copied := *run
			active = append(active, &copied)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

func (f *fakeRunRepo) List(ctx context.Context, filter repository.RunFilter) ([]*domain.PipelineRun, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var runs []*domain.PipelineRun
	for _, run := range f.runs {
		if filter.Stage != nil && run.Stage != *filter.Stage {
			continue
		}
		if filter.PDFURL != "" && run.PDFURL != filter.PDFURL {
			continue
		}
		copied := *run
		runs = append(runs, &copied)
	}
	return runs, int64(len(runs)), nil
}

func (f *fakeRunRepo) UpsertSection(ctx context.Context, section *domain.RunSection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[section.RunID]; !ok {
		return domain.NewNotFoundError("pipeline run", section.RunID.String())
	}
	byIndex, ok := f.sections[section.RunID]
	if !ok {
		byIndex = make(map[int]*domain.RunSection)
		f.sections[section.RunID] = byIndex
	}
	copied := *section
	copied.UpdatedAt = time.Now().UTC()
	byIndex[section.SectionIndex] = &copied
	return nil
}

func (f *fakeRunRepo) GetSections(ctx context.Context, runID uuid.UUID) ([]*domain.RunSection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sections []*domain.RunSection
	for _, section := range f.sections[runID] {
		copied := *section
		sections = append(sections, &copied)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].SectionIndex < sections[j].SectionIndex })
	return sections, nil
}

func (f *fakeRunRepo) stages() []domain.RunStage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RunStage(nil), f.stageLog...)
}

// ctxAwareRunRepo rejects writes once their context is done, the way a real
// database driver would.
type ctxAwareRunRepo struct {
	*fakeRunRepo
}

func (r *ctxAwareRunRepo) UpsertSection(ctx context.Context, section *domain.RunSection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRunRepo.UpsertSection(ctx, section)
}

func (r *ctxAwareRunRepo) SetSectionCounts(ctx context.Context, id uuid.UUID, succeeded, failed int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.fakeRunRepo.SetSectionCounts(ctx, id, succeeded, failed)
}

// fakeFetcher serves fixed PDF bytes, optionally failing the first few calls.
type fakeFetcher struct {
	content   []byte
	err       error
	failFirst int
	calls     atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*pdf.FetchResult, error) {
	call := f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if int(call) <= f.failFirst {
		return nil, fmt.Errorf("connection reset: %w", pdf.ErrFetchFailed)
	}
	sum := sha256.Sum256(f.content)
	return &pdf.FetchResult{
		Content:     f.content,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(f.content)),
		ContentType: "application/pdf",
	}, nil
}

// fakeOutliner returns a fixed outline or error.
type fakeOutliner struct {
	outline *domain.PaperOutline
	err     error
	calls   atomic.Int32
}

func (f *fakeOutliner) ExtractOutline(ctx context.Context, pdfContent []byte) (*extraction.OutlineResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &extraction.OutlineResult{
		Outline:      f.outline,
		Model:        "gemini-test",
		InputTokens:  1000,
		OutputTokens: 200,
	}, nil
}

// fakeExpander expands sections, with per-title failure injection and
// in-flight concurrency tracking.
type fakeExpander struct {
	mu          sync.Mutex
	callsByName map[string]int
	failWith    map[string]error
	failUntil   map[string]int
	delay       time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeExpander() *fakeExpander {
	return &fakeExpander{
		callsByName: make(map[string]int),
		failWith:    make(map[string]error),
		failUntil:   make(map[string]int),
	}
}

func (f *fakeExpander) ExpandSection(ctx context.Context, pdfContent []byte, section domain.OutlineSection) (*extraction.ExpansionResult, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if current <= peak || f.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, domain.NewExtractionError(extraction.OpSectionExpansion, section.Title, 1, false, ctx.Err())
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.callsByName[section.Title]++
	calls := f.callsByName[section.Title]
	err := f.failWith[section.Title]
	transientUntil := f.failUntil[section.Title]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if calls <= transientUntil {
		return nil, domain.NewExtractionError(extraction.OpSectionExpansion, section.Title, 1, true, fmt.Errorf("model overloaded"))
	}

	return &extraction.ExpansionResult{
		Expansion: &domain.SectionExpansion{
			SectionTitle: section.Title,
			Summary:      "Summary of " + section.Title,
			KeyPoints:    []string{"point"},
		},
		Model:        "gemini-test",
		InputTokens:  500,
		OutputTokens: 100,
	}, nil
}

func (f *fakeExpander) calls(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callsByName[title]
}

// fakeWriter records the rows handed to Persist.
type fakeWriter struct {
	mu       sync.Mutex
	sections []domain.PaperSection
	result   *repository.PersistResult
	err      error
	calls    int
}

func (f *fakeWriter) Persist(ctx context.Context, run *domain.PipelineRun, sections []domain.PaperSection) (*repository.PersistResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sections = append([]domain.PaperSection(nil), sections...)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &repository.PersistResult{PaperID: 7, SectionsPersisted: len(sections)}, nil
}

// fakeLookup resolves dedup lookups.
type fakeLookup struct {
	paper *domain.Paper
	err   error
}

func (f *fakeLookup) GetByPDFURL(ctx context.Context, pdfURL string) (*domain.Paper, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.paper != nil {
		return f.paper, nil
	}
	return nil, domain.NewNotFoundError("paper", pdfURL)
}

// fakeLocker grants or denies the resume advisory lock.
type fakeLocker struct {
	denied   bool
	err      error
	acquires atomic.Int32
	releases atomic.Int32
}

func (f *fakeLocker) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	f.acquires.Add(1)
	if f.err != nil {
		return false, f.err
	}
	return !f.denied, nil
}

func (f *fakeLocker) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	f.releases.Add(1)
	return nil
}

func testOutline() *domain.PaperOutline {
	return &domain.PaperOutline{
		Title:    "Attention Is All You Need",
		Authors:  []string{"Ashish Vaswani"},
		Abstract: "Sequence transduction without recurrence.",
		Sections: []domain.OutlineSection{
			{Title: "Introduction", Description: "Motivation.", Subsections: []string{"Background"}},
			{Title: "Model Architecture", Description: "The transformer.", Subsections: []string{"Encoder", "Decoder"}},
			{Title: "Results", Description: "Benchmarks.", Subsections: nil},
		},
		Keywords: []string{"attention"},
	}
}

type orchestratorFixture struct {
	fetcher  *fakeFetcher
	outliner *fakeOutliner
	expander *fakeExpander
	writer   *fakeWriter
	lookup   *fakeLookup
	runs     *fakeRunRepo
	metrics  *observability.Metrics
}

func newOrchestratorFixture(metricsNamespace string) *orchestratorFixture {
	return &orchestratorFixture{
		fetcher:  &fakeFetcher{content: []byte("%PDF-1.4 test content")},
		outliner: &fakeOutliner{outline: testOutline()},
		expander: newFakeExpander(),
		writer:   &fakeWriter{},
		lookup:   &fakeLookup{},
		runs:     newFakeRunRepo(),
		metrics:  observability.NewMetrics(metricsNamespace),
	}
}

func (fx *orchestratorFixture) orchestrator(cfg Config) *Orchestrator {
	if cfg.MaxConcurrentExpansions == 0 {
		cfg.MaxConcurrentExpansions = 4
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-test"
	}
	return NewOrchestrator(fx.fetcher, fx.outliner, fx.expander, fx.writer,
		fx.lookup, fx.runs, fx.metrics, zerolog.Nop(), cfg)
}
