// Package session holds each user's chat sessions in memory and mirrors them
// to the backend in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrAlreadyLinked     = errors.New("session already linked to another request")
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Backend is the remote mirror of the store.
type Backend interface {
	SaveSession(ctx context.Context, s model.ChatSession) error
	AppendMessage(ctx context.Context, m model.Message) error
	ListSessions(ctx context.Context, userID string) ([]model.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	DeleteSession(ctx context.Context, userID, id string) error
}

// EventKind identifies a store change.
type EventKind string

const (
	EventSessionCreated EventKind = "session.created"
	EventSessionUpdated EventKind = "session.updated"
	EventSessionDeleted EventKind = "session.deleted"
	EventMessageAdded   EventKind = "message.added"
	EventMessageUpdated EventKind = "message.updated"
	EventTyping         EventKind = "typing"
	EventCurrentChanged EventKind = "current.changed"
)

// Event is delivered to subscribers after the local state changed.
type Event struct {
	Kind      EventKind
	SessionID string
	Session   *model.ChatSession
	Message   *model.Message
	Typing    bool
}

// Store is one user's authoritative session list. Every mutation updates
// local state synchronously; the backend mirror is written behind.
type Store struct {
	userID  string
	backend Backend
	wb      *WriteBehind
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions []*model.ChatSession // newest first
	current  string
	loaded   map[string]bool
	loading  map[string]chan struct{}

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewStore creates an empty store for userID.
func NewStore(userID string, backend Backend, wb *WriteBehind, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Global()
	}
	return &Store{
		userID:  userID,
		backend: backend,
		wb:      wb,
		logger:  log.With(zap.String("user_id", userID)),
		now:     time.Now,
		loaded:  make(map[string]bool),
		loading: make(map[string]chan struct{}),
		subs:    make(map[int]func(Event)),
	}
}

// UserID returns the owner of the store.
func (s *Store) UserID() string {
	return s.userID
}

// Hydrate fetches the session headers from the backend and adds the ones not
// already known locally. Messages are fetched lazily by LoadSession.
func (s *Store) Hydrate(ctx context.Context) error {
	remote, err := s.backend.ListSessions(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("hydrate sessions: %w", err)
	}

	s.mu.Lock()
	known := make(map[string]bool, len(s.sessions))
	for _, sess := range s.sessions {
		known[sess.ID] = true
	}
	for i := range remote {
		if known[remote[i].ID] {
			continue
		}
		sess := remote[i]
		sess.Messages = nil
		s.sessions = append(s.sessions, &sess)
	}
	s.mu.Unlock()
	return nil
}

// CreateSession inserts a new session at the head of the list and makes it
// current. The id is usable immediately; persistence happens in the background.
func (s *Store) CreateSession(title string) model.ChatSession {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultSessionTitle
	}
	now := s.timestamp()
	sess := &model.ChatSession{
		ID:            uuid.NewString(),
		UserID:        s.userID,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
		Messages:      []model.Message{},
		Status:        model.SessionActive,
	}

	s.mu.Lock()
	s.sessions = append([]*model.ChatSession{sess}, s.sessions...)
	s.current = sess.ID
	s.loaded[sess.ID] = true
	snapshot := *sess.Clone()
	s.mu.Unlock()

	metrics.SessionsTotal.Inc()
	s.persistHeader(snapshot, "create_session")
	s.publish(Event{Kind: EventSessionCreated, SessionID: snapshot.ID, Session: &snapshot})
	return snapshot
}

// LoadSession makes id current and, the first time, back-fills its messages
// from the backend. The returned channel is closed once the session's
// messages are available; repeated calls share the same fetch.
func (s *Store) LoadSession(id string) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.find(id) == nil {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	changed := s.current != id
	s.current = id

	var done chan struct{}
	switch {
	case s.loaded[id]:
		done = make(chan struct{})
		close(done)
	case s.loading[id] != nil:
		done = s.loading[id]
	default:
		done = make(chan struct{})
		s.loading[id] = done
		go s.backfill(id, done)
	}
	s.mu.Unlock()

	if changed {
		s.publish(Event{Kind: EventCurrentChanged, SessionID: id})
	}
	return done, nil
}

func (s *Store) backfill(id string, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), s.wb.timeout)
	defer cancel()
	remote, err := s.backend.ListMessages(ctx, id)

	s.mu.Lock()
	delete(s.loading, id)
	sess := s.find(id)
	if err != nil || sess == nil {
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("failed to load session messages", zap.String("session_id", id), zap.Error(err))
		}
		return
	}

	seen := make(map[string]bool, len(remote))
	for _, m := range remote {
		seen[m.ID] = true
	}
	merged := append([]model.Message{}, remote...)
	for _, m := range sess.Messages {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	sess.Messages = merged
	s.loaded[id] = true
	snapshot := *sess.Clone()
	s.mu.Unlock()

	s.publish(Event{Kind: EventSessionUpdated, SessionID: id, Session: &snapshot})
}

// AppendMessage appends msg to the session and returns it with id, session
// and timestamp filled in. Timestamps strictly increase within a session.
// Placeholder messages (Loading) are kept local until resolved.
func (s *Store) AppendMessage(sessionID string, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return model.Message{}, ErrSessionNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SessionID = sessionID
	msg.Timestamp = s.nextTimestamp(sess, msg.Timestamp)
	sess.Messages = append(sess.Messages, msg)
	sess.LastMessageAt = msg.Timestamp
	header := *sess.Clone()
	s.mu.Unlock()

	if !msg.Loading {
		metrics.MessagesTotal.WithLabelValues(string(msg.Sender)).Inc()
		s.persistMessage(msg, header)
	}
	s.publish(Event{Kind: EventMessageAdded, SessionID: sessionID, Message: &msg})
	return msg, nil
}

// ResolvePlaceholder replaces a loading placeholder with its final content
// and persists it, keeping its position in the session.
func (s *Store) ResolvePlaceholder(sessionID, messageID, content string, payload model.Payload) (model.Message, error) {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return model.Message{}, ErrSessionNotFound
	}
	idx := -1
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 || !sess.Messages[idx].Loading {
		s.mu.Unlock()
		return model.Message{}, ErrMessageNotFound
	}
	sess.Messages[idx].Content = content
	sess.Messages[idx].Payload = payload
	sess.Messages[idx].Loading = false
	msg := sess.Messages[idx]
	header := *sess.Clone()
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(msg.Sender)).Inc()
	s.persistMessage(msg, header)
	s.publish(Event{Kind: EventMessageUpdated, SessionID: sessionID, Message: &msg})
	return msg, nil
}

// UpdatePlaceholder replaces the partial content of a loading placeholder and
// publishes the change. Nothing is persisted until ResolvePlaceholder.
func (s *Store) UpdatePlaceholder(sessionID, messageID, content string) error {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	var msg *model.Message
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			msg = &sess.Messages[i]
			break
		}
	}
	if msg == nil || !msg.Loading {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	msg.Content = content
	snapshot := *msg
	s.mu.Unlock()

	s.publish(Event{Kind: EventMessageUpdated, SessionID: sessionID, Message: &snapshot})
	return nil
}

// RenameSession sets the session title.
func (s *Store) RenameSession(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is required")
	}
	return s.update(id, "rename_session", func(sess *model.ChatSession) (bool, error) {
		if sess.Title == title {
			return false, nil
		}
		sess.Title = title
		return true, nil
	})
}

// LinkToRequest records the request created from the session and marks it
// completed. Linking the same request again is a no-op.
func (s *Store) LinkToRequest(id, requestID string) error {
	return s.update(id, "link_request", func(sess *model.ChatSession) (bool, error) {
		if sess.RequestID != nil {
			if *sess.RequestID == requestID {
				return false, nil
			}
			return false, ErrAlreadyLinked
		}
		if !sess.Status.CanTransition(model.SessionCompleted) {
			return false, ErrInvalidTransition
		}
		rid := requestID
		sess.RequestID = &rid
		sess.Status = model.SessionCompleted
		return true, nil
	})
}

// ArchiveSession marks the session archived.
func (s *Store) ArchiveSession(id string) error {
	return s.update(id, "archive_session", func(sess *model.ChatSession) (bool, error) {
		if !sess.Status.CanTransition(model.SessionArchived) {
			return false, ErrInvalidTransition
		}
		changed := sess.Status != model.SessionArchived
		sess.Status = model.SessionArchived
		return changed, nil
	})
}

func (s *Store) update(id, opName string, fn func(*model.ChatSession) (bool, error)) error {
	s.mu.Lock()
	sess := s.find(id)
	if sess == nil {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	changed, err := fn(sess)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	snapshot := *sess.Clone()
	s.mu.Unlock()

	s.persistHeader(snapshot, opName)
	s.publish(Event{Kind: EventSessionUpdated, SessionID: id, Session: &snapshot})
	return nil
}

// DeleteSession removes the session locally, clearing the current pointer
// if it was current, and deletes its messages and row in the background.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = append(s.sessions[:idx:idx], s.sessions[idx+1:]...)
	if s.current == id {
		s.current = ""
	}
	delete(s.loaded, id)
	s.mu.Unlock()

	userID := s.userID
	s.wb.Enqueue(id, "delete_session", func(ctx context.Context) error {
		return s.backend.DeleteSession(ctx, userID, id)
	})
	s.publish(Event{Kind: EventSessionDeleted, SessionID: id})
	return nil
}

// SetTyping tells subscribers whether the assistant is composing a reply.
func (s *Store) SetTyping(id string, typing bool) {
	s.publish(Event{Kind: EventTyping, SessionID: id, Typing: typing})
}

// FindSessionByRequest returns the session linked to requestID.
func (s *Store) FindSessionByRequest(requestID string) (model.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.RequestID != nil && *sess.RequestID == requestID {
			return *sess.Clone(), true
		}
	}
	return model.ChatSession{}, false
}

// Session returns a copy of one session.
func (s *Store) Session(id string) (model.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.find(id)
	if sess == nil {
		return model.ChatSession{}, ErrSessionNotFound
	}
	return *sess.Clone(), nil
}

// Current returns a copy of the current session, if any.
func (s *Store) Current() (model.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return model.ChatSession{}, false
	}
	sess := s.find(s.current)
	if sess == nil {
		return model.ChatSession{}, false
	}
	return *sess.Clone(), true
}

// Sessions returns copies of all sessions, newest first.
func (s *Store) Sessions() []model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = *sess.Clone()
	}
	return out
}

// Subscribe registers fn for every change and returns a function that
// removes it. fn runs on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) persistHeader(snapshot model.ChatSession, opName string) {
	snapshot.Messages = nil
	s.wb.Enqueue(snapshot.ID, opName, func(ctx context.Context) error {
		return s.backend.SaveSession(ctx, snapshot)
	})
}

func (s *Store) persistMessage(msg model.Message, header model.ChatSession) {
	header.Messages = nil
	s.wb.Enqueue(msg.SessionID, "append_message", func(ctx context.Context) error {
		if err := s.backend.AppendMessage(ctx, msg); err != nil {
			return err
		}
		return s.backend.SaveSession(ctx, header)
	})
}

// find must be called with mu held.
func (s *Store) find(id string) *model.ChatSession {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// nextTimestamp returns a timestamp later than every message already in
// sess, so ordering by time reproduces insertion order.
func (s *Store) nextTimestamp(sess *model.ChatSession, requested time.Time) time.Time {
	ts := requested.UTC().Truncate(time.Microsecond)
	if requested.IsZero() {
		ts = s.timestamp()
	}
	if n := len(sess.Messages); n > 0 {
		if last := sess.Messages[n-1].Timestamp; !ts.After(last) {
			ts = last.Add(time.Microsecond)
		}
	}
	return ts
}
