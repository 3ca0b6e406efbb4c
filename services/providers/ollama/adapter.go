// Package ollama adapts a local Ollama server to the unified adapter
// contract. Ollama has no authentication; the apiKey argument is ignored.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/upb/llm-model-router/models"
	"github.com/upb/llm-model-router/services/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter implements the provider contract for Ollama.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an Ollama adapter. Local generation can be slow, so the
// default client timeout is generous.
func New(baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Adapter{
		baseURL:    baseURL,
		httpClient: client,
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "ollama"
}

// RequiresAuth reports that a local Ollama server needs no API key.
func (a *Adapter) RequiresAuth() bool {
	return false
}

// Complete sends one non-streaming generate request.
func (a *Adapter) Complete(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, _ string) (*models.ModelResponse, error) {
	start := time.Now()

	wireReq := generateRequest{
		Model:  model.ID,
		Prompt: req.Prompt,
		Stream: false,
	}
	if req.MaxTokens > 0 {
		wireReq.Options.NumPredict = &req.MaxTokens
	}
	if req.Temperature > 0 {
		wireReq.Options.Temperature = &req.Temperature
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "request failed", 0, true, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "READ_ERROR", "failed to read response", httpResp.StatusCode, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.errorFromResponse(httpResp.StatusCode, respBody)
	}

	var wireResp generateResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	return &models.ModelResponse{
		RequestID: req.TaskID,
		ModelID:   model.ID,
		Provider:  a.Name(),
		Content:   wireResp.Response,
		TokenUsage: models.TokenUsage{
			InputTokens:  wireResp.PromptEvalCount,
			OutputTokens: wireResp.EvalCount,
			TotalTokens:  wireResp.PromptEvalCount + wireResp.EvalCount,
		},
		Latency: time.Since(start),
		Success: true,
		Created: time.Now(),
	}, nil
}

// Probe hits the version endpoint as a liveness check.
func (a *Adapter) Probe(ctx context.Context, _ models.ModelMetadata, _ string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/version", nil)
	if err != nil {
		return providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create probe request", 0, false, err)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return providers.NewProviderError(a.Name(), "HTTP_ERROR", "probe failed", 0, true, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return providers.NewProviderError(a.Name(), "PROBE_FAILED",
			fmt.Sprintf("probe returned status %d", resp.StatusCode),
			resp.StatusCode, resp.StatusCode >= 500, nil)
	}
	return nil
}

func (a *Adapter) errorFromResponse(statusCode int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode,
			statusCode >= 500 || statusCode == http.StatusTooManyRequests, nil)
	}

	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests
	return providers.NewProviderError(a.Name(), "API_ERROR", errResp.Error, statusCode, retryable, nil)
}

// Ollama wire types

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		NumPredict  *int     `json:"num_predict,omitempty"`
		Temperature *float64 `json:"temperature,omitempty"`
	} `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}
