package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/apikeys"
	"github.com/fusion-data/bridge/internal/llm"
	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

// ClientFactory builds a provider client for a user's own key.
type ClientFactory func(apiKey string) (llm.Client, error)

// ProxyHandler is the chat completion function the Function transport
// calls. It answers with {content, usage} or {error, details}.
type ProxyHandler struct {
	keys      *apikeys.Service
	fallback  llm.Client
	newClient ClientFactory
	model     string
	timeout   time.Duration
	logger    *logger.Logger
}

// NewProxyHandler creates a proxy. fallback serves users without a stored
// OpenAI key and may be nil.
func NewProxyHandler(keys *apikeys.Service, fallback llm.Client, newClient ClientFactory, model string, timeout time.Duration, log *logger.Logger) *ProxyHandler {
	if newClient == nil {
		newClient = func(apiKey string) (llm.Client, error) { return llm.NewOpenAIClient(apiKey) }
	}
	if timeout <= 0 {
		timeout = llm.DefaultTimeout
	}
	return &ProxyHandler{
		keys:      keys,
		fallback:  fallback,
		newClient: newClient,
		model:     model,
		timeout:   timeout,
		logger:    log,
	}
}

type proxyMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type proxyRequest struct {
	Messages    []proxyMessage `json:"messages" validate:"required,min=1,dive"`
	AssistantID string         `json:"assistantId,omitempty"`
	MaxTokens   int            `json:"maxTokens,omitempty" validate:"gte=0,lte=16000"`
}

type proxyUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type proxyResponse struct {
	Content string     `json:"content"`
	Usage   proxyUsage `json:"usage"`
}

type proxyError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ChatOpenAI handles POST /functions/v1/chat-openai
func (h *ProxyHandler) ChatOpenAI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req proxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, proxyError{Error: "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, proxyError{Error: "Messages array is required"})
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, proxyError{Error: "invalid messages", Details: err.Error()})
		return
	}

	client, err := h.client(ctx)
	if err != nil {
		h.logger.Error("no llm client for proxy request", zap.String("error", logger.Redact(err.Error())))
		writeJSON(w, http.StatusInternalServerError, proxyError{Error: "OpenAI API key not configured"})
		return
	}

	messages := make([]llm.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Complete(callCtx, &llm.CompletionRequest{
		Model:       h.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		metrics.RecordLLMCall("proxy:"+client.Name(), "error", time.Since(start).Seconds())
		status := http.StatusBadGateway
		if code := llm.ProviderStatus(err); code >= 400 {
			status = code
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		details := logger.Redact(err.Error())
		h.logger.Warn("provider call failed", zap.Int("status", status), zap.String("error", details))
		writeJSON(w, status, proxyError{Error: "Failed to get response from OpenAI", Details: details})
		return
	}
	metrics.RecordLLMCall("proxy:"+client.Name(), "ok", time.Since(start).Seconds())

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		writeJSON(w, http.StatusInternalServerError, proxyError{Error: "No text content in OpenAI response"})
		return
	}

	writeJSON(w, http.StatusOK, proxyResponse{
		Content: content,
		Usage:   proxyUsage{InputTokens: resp.TokensIn, OutputTokens: resp.TokensOut},
	})
}

// client prefers the caller's own OpenAI key over the server's client.
func (h *ProxyHandler) client(ctx context.Context) (llm.Client, error) {
	if h.keys != nil {
		key, err := h.keys.Get(ctx, string(llm.ProviderOpenAI))
		switch {
		case err == nil:
			return h.newClient(key)
		case !errors.Is(err, apikeys.ErrNotFound):
			h.logger.Warn("failed to read stored api key", zap.Error(err))
		}
	}
	if h.fallback == nil {
		return nil, errors.New("no provider key configured")
	}
	return h.fallback, nil
}
