package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 30 * time.Second

// TransportRequest is what a transport sends to the completion backend.
type TransportRequest struct {
	Messages    []ChatMessage `json:"messages"`
	AssistantID string        `json:"assistantId,omitempty"`
	MaxTokens   int           `json:"maxTokens,omitempty"`
}

// Transport delivers a completed history to a chat-completion backend and
// returns the generated text.
type Transport interface {
	Send(ctx context.Context, token string, req TransportRequest) (string, error)
	Name() string
}

// StreamingTransport is a Transport that can deliver the reply incrementally.
type StreamingTransport interface {
	Transport
	Stream(ctx context.Context, token string, req TransportRequest, onDelta func(string)) (string, error)
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	SystemPrompt string
	Timeout      time.Duration
	AssistantID  string
	MaxTokens    int
	Logger       *logger.Logger

	// Now is used to check token expiry; defaults to time.Now.
	Now func() time.Time
}

// Gateway sends free-text conversation turns to the LLM. It never retries.
type Gateway struct {
	transport Transport
	opts      GatewayOptions
}

// NewGateway creates a gateway over transport.
func NewGateway(transport Transport, opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{transport: transport, opts: opts}
}

// SendMessage sends history, prefixed by the system prompt, and returns the
// assistant reply.
func (g *Gateway) SendMessage(ctx context.Context, history []ChatMessage) (string, error) {
	return g.call(ctx, "llm.SendMessage", history, g.transport.Send)
}

// StreamMessage is SendMessage with the reply delivered to onDelta as it is
// generated. Transports that cannot stream deliver nothing to onDelta and
// only return the full reply.
func (g *Gateway) StreamMessage(ctx context.Context, history []ChatMessage, onDelta func(string)) (string, error) {
	st, ok := g.transport.(StreamingTransport)
	if !ok {
		return g.SendMessage(ctx, history)
	}
	return g.call(ctx, "llm.StreamMessage", history, func(ctx context.Context, token string, req TransportRequest) (string, error) {
		return st.Stream(ctx, token, req, onDelta)
	})
}

type sendFunc func(ctx context.Context, token string, req TransportRequest) (string, error)

func (g *Gateway) call(ctx context.Context, spanName string, history []ChatMessage, send sendFunc) (string, error) {
	p, ok := auth.FromContext(ctx)
	if !ok || p.Token == "" || p.Expired(g.opts.Now()) {
		return "", ErrAuthenticationMissing
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	if g.opts.SystemPrompt != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: g.opts.SystemPrompt})
	}
	messages = append(messages, history...)

	ctx, span := otel.Tracer("bridge/llm").Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.transport", g.transport.Name()),
		attribute.Int("llm.messages", len(messages)),
	)

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	start := time.Now()
	content, err := send(callCtx, p.Token, TransportRequest{
		Messages:    messages,
		AssistantID: g.opts.AssistantID,
		MaxTokens:   g.opts.MaxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		err = g.classify(callCtx, err)
		outcome := "error"
		if errors.Is(err, ErrTimeout) {
			outcome = "timeout"
		}
		metrics.RecordLLMCall(g.transport.Name(), outcome, elapsed.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		g.opts.Logger.Warn("llm call failed",
			zap.String("transport", g.transport.Name()),
			zap.String("user_id", p.UserID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return "", err
	}

	metrics.RecordLLMCall(g.transport.Name(), "ok", elapsed.Seconds())
	return content, nil
}

func (g *Gateway) classify(callCtx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, ErrAuthenticationMissing) {
		return err
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Kind: KindNetwork, Message: err.Error(), Cause: err}
}
