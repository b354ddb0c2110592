// Package extraction provides model-based structured extraction for the
// Paper Outline Service.
//
// This package defines the Gemini client, prompts, and components that turn a
// fetched PDF into structured data: an OutlineExtractor that produces the
// paper outline, and a SectionExpander that produces per-section detail.
// Model output is validated against the declared response schemas before it
// is accepted.
//
// Example usage:
//
//	client := extraction.NewGeminiClient(cfg, 120*time.Second)
//	limiter := extraction.NewRateLimiter(2, 4)
//	extractor := extraction.NewOutlineExtractor(client, limiter)
//	result, err := extractor.ExtractOutline(ctx, pdfContent)
package extraction

import (
	"context"
	"errors"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/schema"
)

// Operation names used in extraction error reporting and metrics labels.
const (
	OpOutlineExtraction = "outline_extraction"
	OpSectionExpansion  = "section_expansion"
)

// ModelClient abstracts the structured-output model API. Implemented by
// GeminiClient; test code substitutes fakes.
type ModelClient interface {
	// Generate sends the PDF and prompt to the model and returns the raw
	// JSON output conforming to the given schema definition.
	Generate(ctx context.Context, prompt string, pdfContent []byte, def *schema.Definition) (*GenerateResult, error)

	// Model returns the model identifier being used.
	Model() string
}

// OutlineResult contains the extracted outline and call metadata.
type OutlineResult struct {
	Outline      *domain.PaperOutline
	Model        string
	InputTokens  int
	OutputTokens int
}

// ExpansionResult contains the expanded section and call metadata.
type ExpansionResult struct {
	Expansion    *domain.SectionExpansion
	Model        string
	InputTokens  int
	OutputTokens int
}

// OutlineExtractor extracts a structured outline from a paper PDF.
type OutlineExtractor struct {
	client    ModelClient
	limiter   *RateLimiter
	validator *schema.Validator
	def       *schema.Definition
}

// NewOutlineExtractor creates an OutlineExtractor backed by the given model
// client. The limiter throttles model calls and may be shared with other
// components; nil disables throttling.
func NewOutlineExtractor(client ModelClient, limiter *RateLimiter) *OutlineExtractor {
	return &OutlineExtractor{
		client:    client,
		limiter:   limiter,
		validator: schema.NewValidator(),
		def:       schema.PaperOutline(),
	}
}

// ExtractOutline performs a single model call to extract the paper outline.
// The raw model output is validated against the outline schema before being
// decoded. Schema violations are returned as-is and must not be retried;
// transport failures are wrapped in a retryable ExtractionError.
func (e *OutlineExtractor) ExtractOutline(ctx context.Context, pdfContent []byte) (*OutlineResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, domain.NewExtractionError(OpOutlineExtraction, "", 1, false, err)
		}
	}

	result, err := e.client.Generate(ctx, outlinePrompt, pdfContent, e.def)
	if err != nil {
		return nil, wrapModelError(OpOutlineExtraction, "", err)
	}

	outline, err := e.validator.DecodeOutline([]byte(result.Text))
	if err != nil {
		return nil, wrapDecodeError(OpOutlineExtraction, "", err)
	}

	return &OutlineResult{
		Outline:      outline,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}, nil
}

// SectionExpander extracts detailed structured information for a single
// outline section from the paper PDF.
type SectionExpander struct {
	client    ModelClient
	limiter   *RateLimiter
	validator *schema.Validator
	def       *schema.Definition
}

// NewSectionExpander creates a SectionExpander backed by the given model
// client. The limiter throttles model calls and may be shared with other
// components; nil disables throttling.
func NewSectionExpander(client ModelClient, limiter *RateLimiter) *SectionExpander {
	return &SectionExpander{
		client:    client,
		limiter:   limiter,
		validator: schema.NewValidator(),
		def:       schema.SectionExpansion(),
	}
}

// ExpandSection performs a single model call to expand one outline section.
// The raw model output is validated against the expansion schema before being
// decoded. Schema violations are returned as-is and must not be retried;
// transport failures are wrapped in a retryable ExtractionError.
func (e *SectionExpander) ExpandSection(ctx context.Context, pdfContent []byte, section domain.OutlineSection) (*ExpansionResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, domain.NewExtractionError(OpSectionExpansion, section.Title, 1, false, err)
		}
	}

	prompt := buildExpansionPrompt(section.Title, section.Description)
	result, err := e.client.Generate(ctx, prompt, pdfContent, e.def)
	if err != nil {
		return nil, wrapModelError(OpSectionExpansion, section.Title, err)
	}

	expansion, err := e.validator.DecodeSectionExpansion([]byte(result.Text))
	if err != nil {
		return nil, wrapDecodeError(OpSectionExpansion, section.Title, err)
	}

	return &ExpansionResult{
		Expansion:    expansion,
		Model:        result.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}, nil
}

// wrapModelError classifies a model call failure. API and network errors are
// wrapped in an ExtractionError whose Transient flag follows the provider
// error classification.
func wrapModelError(operation, sectionTitle string, err error) error {
	return domain.NewExtractionError(operation, sectionTitle, 1, isTransientError(err), err)
}

// wrapDecodeError classifies a failure to decode validated model output.
// Schema violations pass through unchanged so callers never retry them.
// Malformed JSON is treated as transient: the model may produce well-formed
// output on another attempt.
func wrapDecodeError(operation, sectionTitle string, err error) error {
	if errors.Is(err, domain.ErrSchemaViolation) {
		return err
	}
	return domain.NewExtractionError(operation, sectionTitle, 1, true, err)
}
