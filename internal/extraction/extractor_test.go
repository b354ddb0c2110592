package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperforge/paper-outline-service/internal/domain"
	"github.com/paperforge/paper-outline-service/internal/schema"
)

// fakeModelClient returns canned responses for testing extractors without
// hitting the network.
type fakeModelClient struct {
	text       string
	err        error
	lastPrompt string
	lastDef    *schema.Definition
	calls      int
}

func (f *fakeModelClient) Generate(ctx context.Context, prompt string, pdfContent []byte, def *schema.Definition) (*GenerateResult, error) {
	f.calls++
	f.lastPrompt = prompt
	f.lastDef = def
	if f.err != nil {
		return nil, f.err
	}
	return &GenerateResult{
		Text:         f.text,
		Model:        "gemini-2.5-flash",
		InputTokens:  100,
		OutputTokens: 50,
	}, nil
}

func (f *fakeModelClient) Model() string { return "gemini-2.5-flash" }

func validOutlineText() string {
	return `{
		"title": "Attention Is All You Need",
		"authors": ["Ashish Vaswani"],
		"abstract": "Sequence transduction with attention only.",
		"sections": [
			{"title": "Introduction", "description": "Motivation", "subsections": []},
			{"title": "Model Architecture", "description": "Transformer", "subsections": ["Encoder", "Decoder"]}
		],
		"keywords": ["transformers", "attention"]
	}`
}

func validExpansionText() string {
	return `{
		"section_title": "Model Architecture",
		"summary": "Describes the encoder-decoder transformer.",
		"key_points": ["Six encoder layers"],
		"methodologies": [{"name": "Attention", "description": "Scaled dot-product"}],
		"results": [{"finding": "28.4 BLEU", "significance": "State of the art"}],
		"figures_and_tables": [{"type": "figure", "caption": "Figure 1", "description": "Architecture"}],
		"citations": ["Bahdanau et al., 2014"]
	}`
}

func TestOutlineExtractor_ExtractOutline(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{text: validOutlineText()}
	extractor := NewOutlineExtractor(client, nil)

	result, err := extractor.ExtractOutline(context.Background(), testPDFContent)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "Attention Is All You Need", result.Outline.Title)
	assert.Len(t, result.Outline.Sections, 2)
	assert.Equal(t, "gemini-2.5-flash", result.Model)
	assert.Equal(t, 100, result.InputTokens)
	assert.Equal(t, 50, result.OutputTokens)

	// The outline schema must have been requested.
	require.NotNil(t, client.lastDef)
	assert.Equal(t, "paper_outline", client.lastDef.Name)
	assert.Contains(t, client.lastPrompt, "structured outline")
}

func TestOutlineExtractor_TransientAPIError(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{err: &APIError{Provider: "gemini", StatusCode: 503, Message: "overloaded"}}
	extractor := NewOutlineExtractor(client, nil)

	_, err := extractor.ExtractOutline(context.Background(), testPDFContent)
	require.Error(t, err)

	var extErr *domain.ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, OpOutlineExtraction, extErr.Operation)
	assert.True(t, extErr.Retryable())
	assert.ErrorIs(t, err, domain.ErrExtractionFailed)
}

func TestOutlineExtractor_PermanentAPIError(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{err: &APIError{Provider: "gemini", StatusCode: 401, Message: "bad key"}}
	extractor := NewOutlineExtractor(client, nil)

	_, err := extractor.ExtractOutline(context.Background(), testPDFContent)
	require.Error(t, err)

	var extErr *domain.ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.False(t, extErr.Retryable())
}

func TestOutlineExtractor_SchemaViolationNotWrapped(t *testing.T) {
	t.Parallel()

	// Missing required fields: a parsed but nonconforming document.
	client := &fakeModelClient{text: `{"title": "Incomplete"}`}
	extractor := NewOutlineExtractor(client, nil)

	_, err := extractor.ExtractOutline(context.Background(), testPDFContent)
	require.Error(t, err)

	// Schema violations pass through unchanged and are never retryable.
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
	var extErr *domain.ExtractionError
	assert.False(t, errors.As(err, &extErr))
}

func TestOutlineExtractor_MalformedOutputIsRetryable(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{text: `{"title": "Trunc`}
	extractor := NewOutlineExtractor(client, nil)

	_, err := extractor.ExtractOutline(context.Background(), testPDFContent)
	require.Error(t, err)

	// Malformed JSON is a transient model failure, not a schema violation.
	assert.NotErrorIs(t, err, domain.ErrSchemaViolation)
	var extErr *domain.ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.True(t, extErr.Retryable())
}

func TestOutlineExtractor_RateLimiterCancelled(t *testing.T) {
	t.Parallel()

	// Drain the only token so Wait must block, then cancel.
	limiter := NewRateLimiter(0.001, 1)
	require.True(t, limiter.Allow())

	client := &fakeModelClient{text: validOutlineText()}
	extractor := NewOutlineExtractor(client, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := extractor.ExtractOutline(ctx, testPDFContent)
	require.Error(t, err)
	assert.Equal(t, 0, client.calls)
}

func TestSectionExpander_ExpandSection(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{text: validExpansionText()}
	expander := NewSectionExpander(client, nil)

	section := domain.OutlineSection{
		Title:       "Model Architecture",
		Description: "Describes the transformer",
	}

	result, err := expander.ExpandSection(context.Background(), testPDFContent, section)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "Model Architecture", result.Expansion.SectionTitle)
	assert.Len(t, result.Expansion.KeyPoints, 1)
	assert.Equal(t, "gemini-2.5-flash", result.Model)

	// The expansion schema must have been requested, and the prompt must
	// name the section.
	require.NotNil(t, client.lastDef)
	assert.Equal(t, "section_expansion", client.lastDef.Name)
	assert.Contains(t, client.lastPrompt, "Section: Model Architecture")
	assert.Contains(t, client.lastPrompt, "Description: Describes the transformer")
}

func TestSectionExpander_TransientAPIError(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{err: &APIError{Provider: "gemini", StatusCode: 429, Message: "quota"}}
	expander := NewSectionExpander(client, nil)

	section := domain.OutlineSection{Title: "Results"}

	_, err := expander.ExpandSection(context.Background(), testPDFContent, section)
	require.Error(t, err)

	var extErr *domain.ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, OpSectionExpansion, extErr.Operation)
	assert.Equal(t, "Results", extErr.SectionTitle)
	assert.True(t, extErr.Retryable())
}

func TestSectionExpander_SchemaViolationNotWrapped(t *testing.T) {
	t.Parallel()

	client := &fakeModelClient{text: `{"section_title": "Results"}`}
	expander := NewSectionExpander(client, nil)

	_, err := expander.ExpandSection(context.Background(), testPDFContent, domain.OutlineSection{Title: "Results"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaViolation)
}

func TestBuildExpansionPrompt(t *testing.T) {
	t.Parallel()

	prompt := buildExpansionPrompt("Methods", "Experimental setup")

	assert.Contains(t, prompt, "Section: Methods")
	assert.Contains(t, prompt, "Description: Experimental setup")
	assert.True(t, strings.Contains(prompt, "comprehensive summary"))
}

func TestOutlinePrompt_NamesStructuralElements(t *testing.T) {
	t.Parallel()

	assert.Contains(t, outlinePrompt, "Full paper title")
	assert.Contains(t, outlinePrompt, "Key terms and concepts")
}
