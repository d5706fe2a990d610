// Package llm provides LLM provider clients and the gateway the assistant
// uses for free-text turns.
package llm

import (
	"context"
	"fmt"
)

// Roles used in chat histories.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ParseProvider maps a configuration value to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderAnthropic, ProviderOpenAI:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown llm provider %q", s)
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

func withDefaults(req *CompletionRequest, model string) (string, int) {
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return model, maxTokens
}
