package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paperforge/paper-outline-service/internal/schema"
)

const (
	// geminiAPIPath is the generateContent endpoint path template.
	geminiAPIPath = "/v1beta/models/%s:generateContent"

	// pdfMIMEType is the MIME type sent for inline PDF content.
	pdfMIMEType = "application/pdf"

	// defaultMaxOutputTokens bounds the structured response size.
	defaultMaxOutputTokens = 8192
)

// generatePart is a single part of a generateContent request message. Exactly
// one of Text or InlineData is set.
type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

// inlineData carries base64-encoded binary content inline with the request.
type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// generateContent groups the parts of a request or response message.
type generateContent struct {
	Parts []generatePart `json:"parts"`
	Role  string         `json:"role,omitempty"`
}

// generationConfig requests structured JSON output conforming to a schema.
type generationConfig struct {
	ResponseMIMEType string       `json:"response_mime_type"`
	ResponseSchema   *schema.Node `json:"response_schema"`
	MaxOutputTokens  int          `json:"max_output_tokens,omitempty"`
}

// generateRequest is the request body for the generateContent API.
type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig generationConfig  `json:"generationConfig"`
}

// generateCandidate is a single candidate response.
type generateCandidate struct {
	Content      generateContent `json:"content"`
	FinishReason string          `json:"finishReason"`
}

// usageMetadata contains token usage information from the API.
type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// generateResponse is the response body from the generateContent API.
type generateResponse struct {
	Candidates    []generateCandidate `json:"candidates"`
	UsageMetadata usageMetadata       `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
}

// geminiAPIErrorDetail represents the nested error object in an API error response.
type geminiAPIErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// geminiErrorResponse wraps the error payload from the API.
type geminiErrorResponse struct {
	Error geminiAPIErrorDetail `json:"error"`
}

// GenerateResult contains the raw structured output of a model call and
// usage metadata.
type GenerateResult struct {
	// Text is the raw JSON document produced by the model.
	Text string
	// Model is the model version reported by the API.
	Model string
	// InputTokens is the number of input tokens used.
	InputTokens int
	// OutputTokens is the number of output tokens used.
	OutputTokens int
}

// GeminiConfig holds the parameters needed to create a Gemini client.
// This is defined here to avoid importing the config package.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the model identifier (e.g., "gemini-2.5-flash").
	Model string
	// BaseURL is the API base URL.
	BaseURL string
	// MaxOutputTokens bounds the response size. Zero uses the default.
	MaxOutputTokens int
}

// GeminiClient calls the Gemini generateContent API with inline PDF content
// and a declared response schema. Each call is a single attempt; retry policy
// belongs to the caller.
type GeminiClient struct {
	httpClient      *http.Client
	apiKey          string
	model           string
	baseURL         string
	maxOutputTokens int
}

// NewGeminiClient creates a new GeminiClient with the given configuration.
// The timeout parameter controls the HTTP client timeout for API calls.
func NewGeminiClient(cfg GeminiConfig, timeout time.Duration) *GeminiClient {
	maxTokens := cfg.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxOutputTokens
	}
	return &GeminiClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		baseURL:         cfg.BaseURL,
		maxOutputTokens: maxTokens,
	}
}

// Model returns the model identifier being used.
func (c *GeminiClient) Model() string {
	return c.model
}

// Generate sends the PDF and prompt to the model, requesting JSON output
// conforming to the given schema definition. It returns the raw JSON text of
// the first candidate. Transport and API failures are returned as *APIError.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, pdfContent []byte, def *schema.Definition) (*GenerateResult, error) {
	apiReq := generateRequest{
		Contents: []generateContent{
			{
				Parts: []generatePart{
					{
						InlineData: &inlineData{
							MimeType: pdfMIMEType,
							Data:     base64.StdEncoding.EncodeToString(pdfContent),
						},
					},
					{Text: prompt},
				},
			},
		},
		GenerationConfig: generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   def.Root,
			MaxOutputTokens:  c.maxOutputTokens,
		},
	}

	resp, err := c.sendRequest(ctx, apiReq)
	if err != nil {
		return nil, err
	}

	return c.parseResponse(resp)
}

// sendRequest sends a single request to the generateContent API and returns
// the parsed response or an error.
func (c *GeminiClient) sendRequest(ctx context.Context, apiReq generateRequest) (*generateResponse, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + fmt.Sprintf(geminiAPIPath, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are considered transient and eligible for retry.
		return nil, &APIError{
			Provider:   "gemini",
			StatusCode: 0,
			Message:    fmt.Sprintf("request failed: %v", err),
			Type:       "network_error",
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, &APIError{
			Provider:   "gemini",
			StatusCode: 0,
			Message:    fmt.Sprintf("failed to read response body: %v", err),
			Type:       "network_error",
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseGeminiAPIError(httpResp.StatusCode, respBody)
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, malformedResponseError(fmt.Sprintf("failed to unmarshal response: %v", err))
	}

	return &resp, nil
}

// parseResponse extracts the structured JSON text from the first candidate.
// A success envelope missing its payload is a transient provider fault: the
// model may produce a complete response on another attempt.
func (c *GeminiClient) parseResponse(resp *generateResponse) (*GenerateResult, error) {
	if len(resp.Candidates) == 0 {
		return nil, malformedResponseError("response contains no candidates")
	}

	// Find the first text part.
	var textContent string
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			textContent = p.Text
			break
		}
	}

	if textContent == "" {
		return nil, malformedResponseError("response contains no text parts")
	}

	model := resp.ModelVersion
	if model == "" {
		model = c.model
	}

	return &GenerateResult{
		Text:         textContent,
		Model:        model,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// malformedResponseError builds the retryable APIError for a 200 response
// whose envelope cannot be used. StatusCode 0 keeps it in the transient
// class alongside network failures.
func malformedResponseError(message string) *APIError {
	return &APIError{
		Provider:   "gemini",
		StatusCode: 0,
		Message:    message,
		Type:       "malformed_response",
	}
}

// parseGeminiAPIError parses an API error from the response status code and body.
func parseGeminiAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   "gemini",
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp geminiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Status
	}

	return apiErr
}
