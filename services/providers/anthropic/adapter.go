// Package anthropic adapts the Anthropic messages API to the unified
// adapter contract.
package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Adapter implements the provider contract for Anthropic.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an Anthropic adapter.
func New(baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		baseURL:    baseURL,
		httpClient: client,
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return "anthropic"
}

// RequiresAuth reports that Anthropic needs an API key.
func (a *Adapter) RequiresAuth() bool {
	return true
}

// Complete sends one messages request.
func (a *Adapter) Complete(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, apiKey string) (*models.ModelResponse, error) {
	start := time.Now()

	// The messages API requires max_tokens
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	wireReq := messagesRequest{
		Model:     model.ID,
		MaxTokens: maxTokens,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		wireReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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

	var wireResp messagesResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	var content string
	for _, block := range wireResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_RESPONSE", "response contained no text content", httpResp.StatusCode, false, nil)
	}

	return &models.ModelResponse{
		RequestID: req.TaskID,
		ModelID:   model.ID,
		Provider:  a.Name(),
		Content:   content,
		TokenUsage: models.TokenUsage{
			InputTokens:  wireResp.Usage.InputTokens,
			OutputTokens: wireResp.Usage.OutputTokens,
			TotalTokens:  wireResp.Usage.InputTokens + wireResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
		Success: true,
		Created: time.Now(),
	}, nil
}

// Probe sends a minimal one-token message as a liveness check; there is
// no cheaper unauthenticated endpoint.
func (a *Adapter) Probe(ctx context.Context, model models.ModelMetadata, apiKey string) error {
	wireReq := messagesRequest{
		Model:     model.ID,
		MaxTokens: 1,
		Messages: []message{
			{Role: "user", Content: "ping"},
		},
	}
	body, _ := json.Marshal(wireReq)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create probe request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

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
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(a.Name(), "UNKNOWN_ERROR", string(body), statusCode,
			statusCode >= 500 || statusCode == http.StatusTooManyRequests, nil)
	}

	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests
	return providers.NewProviderError(a.Name(), errResp.Error.Type, errResp.Error.Message, statusCode, retryable, nil)
}

// Anthropic wire types

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
