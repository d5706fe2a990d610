package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fusion-data/bridge/internal/model"
)

// SessionRepository stores chat sessions and their messages.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// SaveSession upserts the session header. Messages are stored separately.
func (r *SessionRepository) SaveSession(ctx context.Context, s model.ChatSession) error {
	rec := newSessionRecord(s)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "status", "request_id", "last_message_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// ListSessions returns the user's sessions without messages, newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, userID string) ([]model.ChatSession, error) {
	var recs []sessionRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]model.ChatSession, len(recs))
	for i, rec := range recs {
		out[i] = rec.toModel()
	}
	return out, nil
}

// FindSessionByRequest returns the session linked to requestID.
func (r *SessionRepository) FindSessionByRequest(ctx context.Context, userID, requestID string) (model.ChatSession, error) {
	var rec sessionRecord
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND user_id = ?", requestID, userID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return model.ChatSession{}, notFound(err)
	}
	return rec.toModel(), nil
}

// AppendMessage inserts a message.
func (r *SessionRepository) AppendMessage(ctx context.Context, m model.Message) error {
	rec, err := newMessageRecord(m)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to append message to session %s: %w", m.SessionID, err)
	}
	return nil
}

// ListMessages returns a session's messages in chronological order.
func (r *SessionRepository) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	var recs []messageRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]model.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := rec.toModel()
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", rec.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteSession removes the session's messages and then the session row.
func (r *SessionRepository) DeleteSession(ctx context.Context, userID, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&sessionRecord{}).Where("id = ? AND user_id = ?", id, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&sessionRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}
