// Package reply turns buffered conversation history into an outgoing
// auto-reply through the configured completion provider.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Rusuban/internal/rusuban/llm"
	"github.com/bdobrica/Rusuban/internal/rusuban/memory"
	"github.com/bdobrica/Rusuban/internal/rusuban/settings"
)

// defaultSystemPrompt applies when the system_prompt setting is unset.
const defaultSystemPrompt = "You are an automated assistant answering WhatsApp messages " +
	"while the account owner is away. Keep replies short and polite, answer what you can " +
	"from the conversation, and let the correspondent know the owner will follow up in person."

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Get(ctx context.Context) (map[string]string, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Settings SettingsSource
	Memory   *memory.Memory
	Provider llm.CompletionProvider

	// MaxTokens caps the generated reply. Zero means provider default.
	MaxTokens int
}

// Pipeline generates replies from per-correspondent history and the current
// settings snapshot.
type Pipeline struct {
	settings  SettingsSource
	memory    *memory.Memory
	provider  llm.CompletionProvider
	maxTokens int
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		settings:  cfg.Settings,
		memory:    cfg.Memory,
		provider:  cfg.Provider,
		maxTokens: cfg.MaxTokens,
	}
}

// Generate produces a reply for correspondent from the buffered history,
// which at this point already includes the incoming message.
//
// A missing API key is a quiet skip: the provider is never contacted and
// Generate returns empty output with a nil error. Settings and provider
// failures are returned to the caller, which decides how loudly to log them.
func (p *Pipeline) Generate(ctx context.Context, correspondent string) (string, error) {
	cfg, err := p.settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("reply: load settings: %w", err)
	}

	apiKey := cfg[settings.KeyAPIKey]
	if apiKey == "" {
		slog.Debug("no API key configured, skipping reply", "correspondent", correspondent)
		return "", nil
	}

	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		APIKey:    apiKey,
		BaseURL:   cfg[settings.KeyBaseURL],
		Model:     modelFrom(cfg),
		Messages:  p.buildMessages(cfg, correspondent),
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("reply: completion for %s: %w", correspondent, err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// buildMessages prepends the system prompt to the correspondent's history,
// oldest turn first.
func (p *Pipeline) buildMessages(cfg map[string]string, correspondent string) []llm.Message {
	prompt := strings.TrimSpace(cfg[settings.KeySystemPrompt])
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	history := p.memory.History(correspondent)
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: llm.Role(turn.Role), Content: turn.Content})
	}
	return messages
}

func modelFrom(cfg map[string]string) string {
	if m := strings.TrimSpace(cfg[settings.KeyModel]); m != "" {
		return m
	}
	return llm.DefaultModel
}
