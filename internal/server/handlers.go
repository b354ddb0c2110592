package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/pipeline"
	"github.com/paperforge/paper-outline-service/internal/repository"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	maxPDFURLLength    = 2048
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

// submitPaperRequest is the JSON request body for submitting a paper.
type submitPaperRequest struct {
	PDFURL               string `json:"pdf_url"`
	PartialFailurePolicy string `json:"partial_failure_policy,omitempty"`
	DedupPolicy          string `json:"dedup_policy,omitempty"`
}

// submitPaper handles POST /papers.
// It creates a pending pipeline run for the given PDF URL and enqueues it.
func (s *Server) submitPaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req submitPaperRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	req.PDFURL = strings.TrimSpace(req.PDFURL)
	if req.PDFURL == "" {
		writeError(w, http.StatusBadRequest, "pdf_url is required")
		return
	}
	if len(req.PDFURL) > maxPDFURLLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("pdf_url must be at most %d characters", maxPDFURLLength))
		return
	}
	if !strings.HasPrefix(req.PDFURL, "http://") && !strings.HasPrefix(req.PDFURL, "https://") {
		writeError(w, http.StatusBadRequest, "pdf_url must be an http or https URL")
		return
	}

	run, err := s.runner.Submit(ctx,
		req.PDFURL,
		domain.PartialFailurePolicy(req.PartialFailurePolicy),
		domain.DedupPolicy(req.DedupPolicy),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitPaperResponse{
		RunID:     run.ID.String(),
		PDFURL:    run.PDFURL,
		Stage:     string(run.Stage),
		CreatedAt: run.CreatedAt,
		Message:   "paper submitted for processing",
	})
}

// getRun handles GET /runs/{runID}.
// It returns the current status of a pipeline run, including per-section
// expansion states and, for completed runs, a summary of the persisted paper.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, ok := parseUUID(w, chi.URLParam(r, "runID"), "run_id")
	if !ok {
		return
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := domainRunToResponse(run)

	sections, err := s.runs.GetSections(ctx, runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, section := range sections {
		resp.Sections = append(resp.Sections, domainRunSectionToResponse(section))
	}

	if run.Stage == domain.StageDone && run.PaperID != nil {
		overview, err := s.papers.GetOverview(ctx, *run.PaperID)
		if err == nil {
			resp.Result = &runResultResponse{
				PaperID:         overview.ID,
				Title:           overview.Title,
				SectionsWritten: overview.SectionCount,
				TotalAuthors:    overview.AuthorCount,
				TotalKeywords:   overview.KeywordCount,
			}
		} else {
			s.logger.Warn().Err(err).Int("paper_id", *run.PaperID).Msg("failed to load result summary")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// listRuns handles GET /runs.
// It returns a paginated list of pipeline runs with optional filters.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := parsePaginationParams(r)

	filter := repository.RunFilter{
		Limit:  limit,
		Offset: offset,
	}

	if stageParam := r.URL.Query().Get("stage"); stageParam != "" {
		stage := domain.RunStage(stageParam)
		filter.Stage = &stage
	}
	if urlParam := r.URL.Query().Get("pdf_url"); urlParam != "" {
		filter.PDFURL = urlParam
	}

	runs, totalCount, err := s.runs.List(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responses := make([]runResponse, len(runs))
	for i, run := range runs {
		responses[i] = domainRunToResponse(run)
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:          responses,
		NextPageToken: encodePageToken(offset, limit, int(totalCount)),
		TotalCount:    int(totalCount),
	})
}

// writeDomainError maps domain and pipeline errors to appropriate HTTP status
// codes and writes a JSON error response. Internal error details are not
// leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, pipeline.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
	case errors.Is(err, pipeline.ErrRunnerStopped):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parseIntID parses a positive integer ID from a string, writing a 400 error
// response if invalid.
func parseIntID(w http.ResponseWriter, s, fieldName string) (int, bool) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", fieldName))
		return 0, false
	}
	return id, true
}

// parsePaginationParams extracts page_size and page_token from query parameters.
// It applies default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodePageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodePageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
