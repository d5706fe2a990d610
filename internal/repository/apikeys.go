package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fusion-data/bridge/internal/model"
)

// APIKeyRepository stores encrypted provider keys, one per user and provider.
type APIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository creates a new API key repository.
func NewAPIKeyRepository(db *gorm.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Upsert stores the ciphertext for (userID, provider), replacing any previous key.
func (r *APIKeyRepository) Upsert(ctx context.Context, userID, provider, encrypted string) (model.APIKey, error) {
	now := time.Now().UTC()
	rec := apiKeyRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Provider:     provider,
		EncryptedKey: encrypted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"encrypted_key", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return model.APIKey{}, fmt.Errorf("failed to save api key: %w", err)
	}
	return r.Get(ctx, userID, provider)
}

// Get returns the stored key for (userID, provider).
func (r *APIKeyRepository) Get(ctx context.Context, userID, provider string) (model.APIKey, error) {
	var rec apiKeyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&rec).Error
	if err != nil {
		return model.APIKey{}, notFound(err)
	}
	return rec.toModel(), nil
}

// Delete removes the key for (userID, provider).
func (r *APIKeyRepository) Delete(ctx context.Context, userID, provider string) error {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&apiKeyRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
