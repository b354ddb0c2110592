package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/paperforge/paper-outline-service/internal/repository"
)

// getPaper handles GET /papers/{paperID}.
// It returns the paper row with its section analyses.
func (s *Server) getPaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	paperID, ok := parseIntID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	paper, err := s.papers.GetByID(ctx, paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sections, err := s.papers.GetSections(ctx, paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := domainPaperToResponse(paper)
	for i := range sections {
		resp.Sections = append(resp.Sections, domainSectionToResponse(&sections[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// getPaperOverview handles GET /papers/{paperID}/overview.
// It returns the summary row from the paper_overview view.
func (s *Server) getPaperOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	paperID, ok := parseIntID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	overview, err := s.papers.GetOverview(ctx, paperID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domainOverviewToResponse(overview))
}

// deletePaper handles DELETE /papers/{paperID}.
// The database cascade removes the paper's section rows with it.
func (s *Server) deletePaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	paperID, ok := parseIntID(w, chi.URLParam(r, "paperID"), "paper_id")
	if !ok {
		return
	}

	if err := s.papers.Delete(ctx, paperID); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info().Int("paper_id", paperID).Msg("paper deleted")
	w.WriteHeader(http.StatusNoContent)
}

// listPapers handles GET /papers.
// It returns a paginated list of papers with optional title and keyword filters.
func (s *Server) listPapers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePaginationParams(r)

	filter := repository.PaperFilter{
		TitleContains: r.URL.Query().Get("title"),
		Keyword:       r.URL.Query().Get("keyword"),
		Limit:         limit,
		Offset:        offset,
	}

	papers, totalCount, err := s.papers.List(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responses := make([]paperResponse, len(papers))
	for i, p := range papers {
		responses[i] = domainPaperToResponse(p)
	}

	writeJSON(w, http.StatusOK, listPapersResponse{
		Papers:        responses,
		NextPageToken: encodePageToken(offset, limit, int(totalCount)),
		TotalCount:    int(totalCount),
	})
}
