package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Rusuban/common/redact"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither the settings store nor the request
	// names a model.
	DefaultModel = "gpt-4o-mini"

	// maxErrorBody bounds how much of an error response is kept for logs.
	maxErrorBody = 2048
)

// Config configures the OpenAI-compatible client. Credentials are per-call
// (see CompletionRequest), so only transport-level knobs live here.
type Config struct {
	// BaseURL is the default API endpoint when a call does not name one.
	// Defaults to https://api.openai.com/v1.
	BaseURL string
	// Timeout for each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

// Client implements CompletionProvider and ModelsProvider over the
// OpenAI-compatible HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client with cfg's defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		base: cfg.BaseURL,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types (subset of the OpenAI API) ---

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type modelsResponse struct {
	Data []Model `json:"data"`
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	payload, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, req.BaseURL, "/chat/completions", req.APIKey, payload)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices in response")
	}

	return &CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ListModels fetches the model listing visible to apiKey.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	body, err := c.do(ctx, http.MethodGet, "", "/models", apiKey, nil)
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("llm: decode models: %w", err)
	}
	return resp.Data, nil
}

// do performs one HTTP exchange and maps non-2xx answers to ProviderError.
func (c *Client) do(ctx context.Context, method, base, path, apiKey string, payload []byte) ([]byte, error) {
	if base == "" {
		base = c.base
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(base, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: errorExcerpt(data, apiKey)}
	}
	return data, nil
}

// errorExcerpt trims an error body for logging and masks the API key in case
// the provider echoed it back.
func errorExcerpt(body []byte, apiKey string) string {
	s := string(body)
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "...(truncated)"
	}
	return redact.String(s, apiKey)
}
