package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultAnthropicModel,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return string(ProviderAnthropic)
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-haiku-20241022",
		"claude-3-5-sonnet-20241022",
		"claude-3-opus-20240229",
	}
}

// anthropicParams adapts a chat history to the Messages API, which wants
// strictly alternating turns starting with the user. System entries are
// folded into a leading user turn.
func (c *AnthropicClient) anthropicParams(req *CompletionRequest) (anthropic.MessageNewParams, string) {
	model, maxTokens := withDefaults(req, c.model)

	turns := alternateTurns(req.Messages)
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		messages = append(messages, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		})
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}, model
}

func alternateTurns(in []ChatMessage) []ChatMessage {
	var system []string
	rest := make([]ChatMessage, 0, len(in)+1)
	for _, msg := range in {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	if len(system) > 0 {
		rest = append([]ChatMessage{{Role: RoleUser, Content: strings.Join(system, "\n\n")}}, rest...)
	}
	if len(rest) > 0 && rest[0].Role != RoleUser {
		rest = append([]ChatMessage{{Role: RoleUser, Content: "Olá"}}, rest...)
	}

	out := make([]ChatMessage, 0, len(rest))
	for _, msg := range rest {
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	params, _ := c.anthropicParams(req)
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      resp.Model,
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// CompleteStream sends a streaming completion request.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error) {
	start := time.Now()
	params, model := c.anthropicParams(req)

	stream := c.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var tokensOut int
	var stopReason string
	index := 0

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if event.Delta.Type == "text_delta" {
				token := event.Delta.Text
				content.WriteString(token)
				if err := callback(token, index); err != nil {
					return nil, err
				}
				index++
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			stopReason = string(event.Delta.StopReason)
			tokensOut = int(event.Usage.OutputTokens)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      model,
		TokensOut:  tokensOut,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
