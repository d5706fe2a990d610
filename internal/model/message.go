package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// PayloadKind tags the structured content a message can carry.
type PayloadKind string

const (
	PayloadQuickReplies PayloadKind = "quick_replies"
	PayloadSuggestions  PayloadKind = "suggestions"
	PayloadReviewCard   PayloadKind = "review_card"
	PayloadRichCard     PayloadKind = "rich_card"
)

// Payload is the rich content attached to a message. The set of
// implementations is closed: QuickReplies, Suggestions, ReviewCard, RichCard.
type Payload interface {
	Kind() PayloadKind
	payload()
}

// QuickReplies offers canned responses next to an assistant message.
type QuickReplies struct {
	Options []string `json:"options"`
}

// Asset is a catalog entry offered as an existing alternative to a new request.
type Asset struct {
	Name       string   `json:"name" yaml:"name"`
	LastUpdate string   `json:"last_update" yaml:"last_update"`
	Platform   string   `json:"platform" yaml:"platform"`
	Tags       []string `json:"tags" yaml:"tags"`
}

// Suggestions lists catalog matches and the actions available on them.
type Suggestions struct {
	Assets  []Asset  `json:"assets"`
	Options []string `json:"options,omitempty"`
}

// ReviewCard is the read-only summary shown before a request is submitted.
type ReviewCard struct {
	Objective    string   `json:"objective"`
	Filters      []string `json:"filters"`
	Frequency    string   `json:"frequency"`
	Privacy      string   `json:"privacy"`
	BusinessCase string   `json:"business_case"`
	Actions      []string `json:"actions"`
}

// RichCard is a free-form highlighted block, e.g. a request confirmation.
type RichCard struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

func (QuickReplies) Kind() PayloadKind { return PayloadQuickReplies }
func (Suggestions) Kind() PayloadKind  { return PayloadSuggestions }
func (ReviewCard) Kind() PayloadKind   { return PayloadReviewCard }
func (RichCard) Kind() PayloadKind     { return PayloadRichCard }

func (QuickReplies) payload() {}
func (Suggestions) payload()  {}
func (ReviewCard) payload()   {}
func (RichCard) payload()     {}

// Options returns the quick-reply choices carried by p, if any.
func Options(p Payload) []string {
	switch v := p.(type) {
	case QuickReplies:
		return v.Options
	case Suggestions:
		return v.Options
	case ReviewCard:
		return v.Actions
	}
	return nil
}

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes p as a tagged envelope. A nil payload encodes to nil.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload parses an envelope produced by EncodePayload.
func DecodePayload(b []byte) (Payload, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}

	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Kind {
	case PayloadQuickReplies:
		var v QuickReplies
		err = json.Unmarshal(env.Data, &v)
		p = v
	case PayloadSuggestions:
		var v Suggestions
		err = json.Unmarshal(env.Data, &v)
		p = v
	case PayloadReviewCard:
		var v ReviewCard
		err = json.Unmarshal(env.Data, &v)
		p = v
	case PayloadRichCard:
		var v RichCard
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}
	return p, nil
}

// Message is one entry of a chat session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"type"`
	Content   string    `json:"content"`
	Payload   Payload   `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	// Loading marks a transient placeholder for an assistant turn in flight.
	Loading bool `json:"loading,omitempty"`
}

// MarshalJSON encodes the payload as a tagged envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	raw, err := EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Payload json.RawMessage `json:"payload,omitempty"`
	}{alias: alias(m), Payload: raw})
}

// UnmarshalJSON decodes the tagged payload envelope.
func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := DecodePayload(aux.Payload)
	if err != nil {
		return err
	}
	m.Payload = p
	return nil
}

// ReplyRequest carries one user turn: either a quick-reply selection or free text.
type ReplyRequest struct {
	QuickReply string `json:"quick_reply,omitempty" validate:"omitempty,max=512"`
	Text       string `json:"text,omitempty" validate:"omitempty,max=100000"`
}

// TurnResponse is what the assistant produced for one user turn.
type TurnResponse struct {
	SessionID string    `json:"session_id"`
	Step      string    `json:"step"`
	Messages  []Message `json:"messages"`
	RequestID string    `json:"request_id,omitempty"`
	Navigate  string    `json:"navigate,omitempty"`
}

// TypingEvent signals that an assistant turn is being generated.
type TypingEvent struct {
	SessionID string `json:"session_id"`
	Typing    bool   `json:"typing"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
