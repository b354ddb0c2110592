package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/repository"
)

func newStoredPaper() *domain.Paper {
	return &domain.Paper{
		ID:        7,
		Title:     "Attention Is All You Need",
		Authors:   []string{"Ashish Vaswani", "Noam Shazeer"},
		Abstract:  "The dominant sequence transduction models are based on recurrent networks.",
		Keywords:  []string{"attention", "transformers"},
		PDFURL:    "https://arxiv.org/pdf/1706.03762.pdf",
		CreatedAt: time.Now().UTC(),
	}
}

func TestGetPaper_Success(t *testing.T) {
	papers := &mockPaperRepo{
		getByIDFn: func(_ context.Context, id int) (*domain.Paper, error) {
			if id != 7 {
				return nil, domain.ErrNotFound
			}
			return newStoredPaper(), nil
		},
		getSectionsFn: func(_ context.Context, paperID int) ([]domain.PaperSection, error) {
			return []domain.PaperSection{
				{ID: 1, PaperID: paperID, SectionTitle: "Introduction", Summary: "Motivates the transformer."},
				{ID: 2, PaperID: paperID, SectionTitle: "Model Architecture", Summary: "Describes the transformer."},
			}, nil
		},
	}
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, papers)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/papers/7", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp paperResponse
	decodeJSON(t, rr, &resp)
	if resp.ID != 7 {
		t.Errorf("expected paper id 7, got %d", resp.ID)
	}
	if len(resp.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(resp.Sections))
	}
	if resp.Sections[0].SectionTitle != "Introduction" {
		t.Errorf("unexpected first section: %s", resp.Sections[0].SectionTitle)
	}
}

func TestGetPaper_NotFound(t *testing.T) {
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, &mockPaperRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/papers/99", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestGetPaper_InvalidID(t *testing.T) {
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, &mockPaperRepo{})

	for _, id := range []string{"abc", "-1", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/papers/"+id, nil)
		rr := serveHTTP(srv, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("id %q: expected status 400, got %d", id, rr.Code)
		}
	}
}

func TestGetPaperOverview_Success(t *testing.T) {
	papers := &mockPaperRepo{
		getOverviewFn: func(_ context.Context, id int) (*domain.PaperOverview, error) {
			return &domain.PaperOverview{
				ID: id, Title: "Attention Is All You Need",
				PDFURL:       "https://arxiv.org/pdf/1706.03762.pdf",
				SectionCount: 5, AuthorCount: 2, KeywordCount: 4,
			}, nil
		},
	}
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, papers)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/papers/7/overview", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp paperOverviewResponse
	decodeJSON(t, rr, &resp)
	if resp.SectionCount != 5 || resp.AuthorCount != 2 || resp.KeywordCount != 4 {
		t.Errorf("unexpected overview counts: %+v", resp)
	}
}

func TestDeletePaper_Success(t *testing.T) {
	var deletedID int
	papers := &mockPaperRepo{
		deleteFn: func(_ context.Context, id int) error {
			deletedID = id
			return nil
		},
	}
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, papers)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/papers/7", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if deletedID != 7 {
		t.Errorf("expected delete of paper 7, got %d", deletedID)
	}
}

func TestDeletePaper_NotFound(t *testing.T) {
	papers := &mockPaperRepo{
		deleteFn: func(_ context.Context, id int) error {
			return domain.NewNotFoundError("paper", "99")
		},
	}
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, papers)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/papers/99", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestListPapers_Filters(t *testing.T) {
	var capturedFilter repository.PaperFilter
	papers := &mockPaperRepo{
		listFn: func(_ context.Context, filter repository.PaperFilter) ([]*domain.Paper, int64, error) {
			capturedFilter = filter
			return []*domain.Paper{newStoredPaper()}, 1, nil
		},
	}
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, papers)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/papers?title=attention&keyword=transformers", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedFilter.TitleContains != "attention" {
		t.Errorf("expected title filter, got %q", capturedFilter.TitleContains)
	}
	if capturedFilter.Keyword != "transformers" {
		t.Errorf("expected keyword filter, got %q", capturedFilter.Keyword)
	}

	var resp listPapersResponse
	decodeJSON(t, rr, &resp)
	if len(resp.Papers) != 1 || resp.TotalCount != 1 {
		t.Errorf("unexpected list response: papers=%d total=%d", len(resp.Papers), resp.TotalCount)
	}
	if len(resp.Papers[0].Sections) != 0 {
		t.Error("list responses should not include section rows")
	}
}

func TestListPapers_Empty(t *testing.T) {
	srv := newTestServer(&mockRunSubmitter{}, &mockRunRepo{}, &mockPaperRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/papers", nil)
	rr := serveHTTP(srv, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp listPapersResponse
	decodeJSON(t, rr, &resp)
	if resp.TotalCount != 0 {
		t.Errorf("expected empty list, got total=%d", resp.TotalCount)
	}
}
