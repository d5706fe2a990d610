package model

import (
	"time"
)

// EventKind represents the type of domain event.
type EventKind string

const (
	EventRequestCreated   EventKind = "request.created"
	EventRequestUpdated   EventKind = "request.updated"
	EventRequestCancelled EventKind = "request.cancelled"
	EventCommentAdded     EventKind = "request.comment"
	EventSessionLinked    EventKind = "session.linked"
	EventNotification     EventKind = "notification"
)

// Event is a domain event published on the event bus.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      EventKind      `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Sequence  uint64         `json:"sequence,omitempty"`
}

// NotificationLevel is the severity of a user-visible notification.
type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
	LevelInfo    NotificationLevel = "info"
)

// Notification is a toast shown to a user.
type Notification struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Level       NotificationLevel `json:"level"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	Sequence    uint64            `json:"sequence,omitempty"`
}

// ListNotificationsResponse is the response for the notification feed.
type ListNotificationsResponse struct {
	Notifications []Notification `json:"notifications"`
	LastSequence  uint64         `json:"last_sequence"`
	HasMore       bool           `json:"has_more"`
}

// APIKey is a user's encrypted credential for an LLM provider.
type APIKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	EncryptedKey string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SaveAPIKeyRequest is the request to store a personal API key.
type SaveAPIKeyRequest struct {
	APIKey string `json:"api_key" validate:"required,min=8,max=512"`
}

// APIKeyStatus tells whether a provider key is configured.
type APIKeyStatus struct {
	Provider  string     `json:"provider"`
	HasKey    bool       `json:"has_key"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
