package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  defaultOpenAIModel,
	}, nil
}

// NewOpenAIClientWithConfig creates a client against a custom base URL,
// e.g. an Azure or self-hosted compatible endpoint.
func NewOpenAIClientWithConfig(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  defaultOpenAIModel,
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return string(ProviderOpenAI)
}

// Models returns available models.
func (c *OpenAIClient) Models() []string {
	return []string{
		"gpt-4o-mini",
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	}
}

func toOpenAIMessages(in []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(in))
	for i, msg := range in {
		out[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return out
}

// Complete sends a completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	model, maxTokens := withDefaults(req, c.model)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, err
	}

	out := &CompletionResponse{
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

// CompleteStream sends a streaming completion request.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	model, maxTokens := withDefaults(req, c.model)

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	var stopReason string
	index := 0

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(response.Choices) == 0 {
			continue
		}

		if delta := response.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := callback(delta, index); err != nil {
				return nil, err
			}
			index++
		}
		if response.Choices[0].FinishReason != "" {
			stopReason = string(response.Choices[0].FinishReason)
		}
	}

	// Streaming responses carry no usage block; estimate at ~4 chars per token.
	return &CompletionResponse{
		Content:    content.String(),
		Model:      model,
		TokensOut:  content.Len() / 4,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// ProviderStatus extracts the HTTP status of a provider error, or 0.
func ProviderStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
