// Package llm defines the completion and model-listing provider interfaces
// the reply pipeline depends on, plus an OpenAI-compatible implementation.
//
// Credentials and endpoint travel with each call instead of living in the
// client: they come from the settings store and can change between calls
// without rebuilding anything.
package llm

import (
	"context"
	"fmt"
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single completion call.
type CompletionRequest struct {
	// APIKey is the bearer token for this call.
	APIKey string
	// BaseURL overrides the API endpoint (local models, proxies).
	// Empty selects the client's configured default.
	BaseURL string
	// Model is the model identifier; empty selects DefaultModel.
	Model string
	// Messages is the conversation, oldest first, system message leading.
	Messages []Message
	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the output of a completion call.
type CompletionResponse struct {
	// Content is the assistant reply text.
	Content string
	// Usage holds token accounting when the provider reports it.
	Usage TokenUsage
}

// TokenUsage reports token consumption.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model describes one entry from the provider's model listing.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// CompletionProvider generates one assistant reply.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ModelsProvider lists the models available to an API key.
type ModelsProvider interface {
	ListModels(ctx context.Context, apiKey string) ([]Model, error)
}

// ProviderError is returned when the provider answers with a non-2xx status.
// Status and Body carry what the provider reported so failures can be logged
// with full diagnostics.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: provider returned HTTP %d: %s", e.Status, e.Body)
}
