package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes caps how much of a function response is read.
const maxResponseBytes = 1 << 20

// FunctionTransport posts the history to a serverless proxy function under
// bearer authentication. The function holds the provider credentials.
type FunctionTransport struct {
	url    string
	client *http.Client
}

// NewFunctionTransport creates a transport for the function at url. A nil
// client uses http.DefaultClient; deadlines come from the request context.
func NewFunctionTransport(url string, client *http.Client) *FunctionTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &FunctionTransport{url: url, client: client}
}

// Name returns the transport name.
func (t *FunctionTransport) Name() string {
	return "function"
}

type functionResponse struct {
	Content string `json:"content"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Send implements Transport.
func (t *FunctionTransport) Send(ctx context.Context, token string, req TransportRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal function request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", &GatewayError{Kind: KindNetwork, Message: "invalid function url", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", &GatewayError{Kind: KindNetwork, Message: "could not reach the assistant", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", &GatewayError{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "reading response failed", Cause: err}
	}

	var out functionResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(out.Error)
		if out.Details != "" {
			msg = strings.TrimSpace(msg + ": " + out.Details)
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", &GatewayError{Kind: KindStatus, StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &GatewayError{Kind: KindDecode, StatusCode: resp.StatusCode, Message: "invalid response body", Cause: decodeErr}
	}
	if out.Error != "" {
		return "", &GatewayError{Kind: KindProvider, StatusCode: resp.StatusCode, Message: out.Error}
	}
	return out.Content, nil
}

// DirectTransport calls a provider client in-process. Used when this binary
// holds the provider credentials itself.
type DirectTransport struct {
	client Client
	model  string
}

// NewDirectTransport wraps client. An empty model uses the provider default.
func NewDirectTransport(client Client, model string) *DirectTransport {
	return &DirectTransport{client: client, model: model}
}

// Name returns the transport name.
func (t *DirectTransport) Name() string {
	return "direct:" + t.client.Name()
}

// Send implements Transport. The token is not needed in-process.
func (t *DirectTransport) Send(ctx context.Context, _ string, req TransportRequest) (string, error) {
	resp, err := t.client.Complete(ctx, &CompletionRequest{
		Model:     t.model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", providerError(ctx, err)
	}
	return resp.Content, nil
}

// Stream implements StreamingTransport. onDelta receives each text fragment
// in order as the provider produces it.
func (t *DirectTransport) Stream(ctx context.Context, _ string, req TransportRequest, onDelta func(string)) (string, error) {
	resp, err := t.client.CompleteStream(ctx, &CompletionRequest{
		Model:     t.model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}, func(token string, _ int) error {
		onDelta(token)
		return nil
	})
	if err != nil {
		return "", providerError(ctx, err)
	}
	return resp.Content, nil
}

func providerError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return &GatewayError{
		Kind:       KindProvider,
		StatusCode: ProviderStatus(err),
		Message:    "provider request failed",
		Cause:      err,
	}
}
