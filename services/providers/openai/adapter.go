// Package openai adapts the OpenAI chat completions API to the unified
// adapter contract.
package openai

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

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter implements the provider contract for OpenAI.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an OpenAI adapter. An empty baseURL uses the public API;
// a nil client gets a pooled default.
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
	return "openai"
}

// RequiresAuth reports that OpenAI needs an API key.
func (a *Adapter) RequiresAuth() bool {
	return true
}

// Complete sends one chat completion request.
func (a *Adapter) Complete(ctx context.Context, model models.ModelMetadata, req *models.ModelRequest, apiKey string) (*models.ModelResponse, error) {
	start := time.Now()

	wireReq := chatRequest{
		Model: model.ID,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		wireReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		wireReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

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

	var wireResp chatResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_RESPONSE", "response contained no choices", httpResp.StatusCode, false, nil)
	}

	return &models.ModelResponse{
		RequestID: req.TaskID,
		ModelID:   model.ID,
		Provider:  a.Name(),
		Content:   wireResp.Choices[0].Message.Content,
		TokenUsage: models.TokenUsage{
			InputTokens:  wireResp.Usage.PromptTokens,
			OutputTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:  wireResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
		Success: true,
		Created: time.Unix(wireResp.Created, 0),
	}, nil
}

// Probe lists models as a cheap liveness check.
func (a *Adapter) Probe(ctx context.Context, model models.ModelMetadata, apiKey string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create probe request", 0, false, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

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

// OpenAI wire types

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
