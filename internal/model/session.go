// Package model defines data structures for the data bridge.
package model

import (
	"time"
)

// DefaultSessionTitle is the placeholder title of a new conversation.
const DefaultSessionTitle = "Nova conversa"

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionArchived:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from s to next.
// Staying in the same state is always allowed; there are no reverse edges.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionActive:
		return next == SessionCompleted || next == SessionArchived
	case SessionCompleted:
		return next == SessionArchived
	}
	return false
}

// ChatSession represents one conversation thread.
type ChatSession struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	CreatedAt     time.Time     `json:"created_at"`
	LastMessageAt time.Time     `json:"last_message_at"`
	Messages      []Message     `json:"messages"`
	RequestID     *string       `json:"request_id,omitempty"`
	Status        SessionStatus `json:"status"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.RequestID != nil {
		id := *s.RequestID
		c.RequestID = &id
	}
	return &c
}

// CreateSessionRequest is the request to start a new conversation.
type CreateSessionRequest struct {
	Title string `json:"title" validate:"max=256"`
}

// UpdateSessionRequest is the request to rename a conversation.
type UpdateSessionRequest struct {
	Title string `json:"title" validate:"required,max=256"`
}

// ListSessionsResponse is the response for listing conversations.
type ListSessionsResponse struct {
	Sessions         []ChatSession `json:"sessions"`
	Total            int           `json:"total"`
	CurrentSessionID string        `json:"current_session_id,omitempty"`
}
