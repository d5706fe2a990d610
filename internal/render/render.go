// Package render turns stored messages into view models for the chat UI.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/fusion-data/bridge/internal/model"
)

// BlockKind tags the structured block under a message bubble.
type BlockKind string

const (
	BlockQuickReplies BlockKind = "quick_replies"
	BlockAssets       BlockKind = "assets"
	BlockReview       BlockKind = "review"
	BlockCard         BlockKind = "card"
)

// Block is one rendered payload.
type Block struct {
	Kind    BlockKind     `json:"kind"`
	Title   string        `json:"title,omitempty"`
	Body    template.HTML `json:"body,omitempty"`
	Link    string        `json:"link,omitempty"`
	Fields  []Field       `json:"fields,omitempty"`
	Assets  []AssetView   `json:"assets,omitempty"`
	Options []string      `json:"options,omitempty"`
}

// Field is a labelled value in a review card.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// AssetView is a catalog suggestion as shown in the chat.
type AssetView struct {
	Name       string   `json:"name"`
	Platform   string   `json:"platform"`
	LastUpdate string   `json:"last_update"`
	Tags       []string `json:"tags"`
}

// MessageView is a message ready for display.
type MessageView struct {
	ID      string        `json:"id"`
	Sender  model.Sender  `json:"sender"`
	HTML    template.HTML `json:"html"`
	Time    string        `json:"time"`
	Loading bool          `json:"loading,omitempty"`
	Block   *Block        `json:"block,omitempty"`
}

// SessionView is a session with its rendered messages.
type SessionView struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Status    model.SessionStatus `json:"status"`
	RequestID string              `json:"request_id,omitempty"`
	Messages  []MessageView       `json:"messages"`
}

// Renderer converts messages using a shared markdown pipeline.
type Renderer struct {
	md       goldmark.Markdown
	location *time.Location
}

// New creates a renderer that formats times in loc (UTC when nil).
// Raw HTML in message content is escaped.
func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM)),
		location: loc,
	}
}

// Markdown renders src to HTML.
func (r *Renderer) Markdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// RenderMessage builds the view of m. Assistant content is markdown; user
// content is shown as typed.
func (r *Renderer) RenderMessage(m model.Message) (MessageView, error) {
	v := MessageView{
		ID:      m.ID,
		Sender:  m.Sender,
		Time:    m.Timestamp.In(r.location).Format("15:04"),
		Loading: m.Loading,
	}

	switch {
	case m.Loading:
	case m.Sender == model.SenderAssistant:
		html, err := r.Markdown(m.Content)
		if err != nil {
			return MessageView{}, err
		}
		v.HTML = html
	default:
		v.HTML = template.HTML(template.HTMLEscapeString(m.Content))
	}

	if m.Payload != nil {
		b, err := r.block(m.Payload)
		if err != nil {
			return MessageView{}, err
		}
		v.Block = &b
	}
	return v, nil
}

// RenderSession renders every message of s in order.
func (r *Renderer) RenderSession(s model.ChatSession) (SessionView, error) {
	v := SessionView{
		ID:       s.ID,
		Title:    s.Title,
		Status:   s.Status,
		Messages: make([]MessageView, 0, len(s.Messages)),
	}
	if s.RequestID != nil {
		v.RequestID = *s.RequestID
	}
	for _, m := range s.Messages {
		mv, err := r.RenderMessage(m)
		if err != nil {
			return SessionView{}, err
		}
		v.Messages = append(v.Messages, mv)
	}
	return v, nil
}

func (r *Renderer) block(p model.Payload) (Block, error) {
	switch v := p.(type) {
	case model.QuickReplies:
		return Block{Kind: BlockQuickReplies, Options: v.Options}, nil

	case model.Suggestions:
		assets := make([]AssetView, len(v.Assets))
		for i, a := range v.Assets {
			assets[i] = AssetView{Name: a.Name, Platform: a.Platform, LastUpdate: a.LastUpdate, Tags: a.Tags}
		}
		return Block{Kind: BlockAssets, Assets: assets, Options: v.Options}, nil

	case model.ReviewCard:
		return Block{
			Kind:  BlockReview,
			Title: "Resumo da solicitação",
			Fields: []Field{
				{Label: "Objetivo", Value: v.Objective},
				{Label: "Filtros", Value: joinNonEmpty(v.Filters)},
				{Label: "Frequência", Value: v.Frequency},
				{Label: "Dados pessoais", Value: v.Privacy},
				{Label: "Caso de negócio", Value: v.BusinessCase},
			},
			Options: v.Actions,
		}, nil

	case model.RichCard:
		body, err := r.Markdown(v.Body)
		if err != nil {
			return Block{}, err
		}
		return Block{Kind: BlockCard, Title: v.Title, Body: body, Link: v.Link}, nil
	}
	return Block{}, fmt.Errorf("unsupported payload %T", p)
}

func joinNonEmpty(values []string) string {
	var b bytes.Buffer
	for _, v := range values {
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v)
	}
	return b.String()
}
