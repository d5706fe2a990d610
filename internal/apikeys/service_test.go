package apikeys

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/repository"
)

func newService(t *testing.T) (*Service, *repository.APIKeyRepository) {
	t.Helper()
	db, err := repository.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo := repository.NewAPIKeyRepository(db)
	svc, err := NewService(repo, "test-secret")
	require.NoError(t, err)
	return svc, repo
}

func userCtx(id string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{UserID: id})
}

func TestService_RoundTrip(t *testing.T) {
	svc, repo := newService(t)
	ctx := userCtx("u-1")
	const key = "sk-test-1234567890"

	status, err := svc.Has(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, status.HasKey)

	status, err = svc.Save(ctx, "openai", key)
	require.NoError(t, err)
	assert.True(t, status.HasKey)

	stored, err := repo.Get(ctx, "u-1", "openai")
	require.NoError(t, err)
	assert.NotEqual(t, key, stored.EncryptedKey)
	assert.NotContains(t, stored.EncryptedKey, key)

	got, err := svc.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, svc.Remove(ctx, "openai"))
	_, err = svc.Get(ctx, "openai")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Remove(ctx, "openai"), ErrNotFound)
}

func TestService_SaveReplacesPreviousKey(t *testing.T) {
	svc, _ := newService(t)
	ctx := userCtx("u-1")

	_, err := svc.Save(ctx, "openai", "sk-first-key")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "openai", "sk-second-key")
	require.NoError(t, err)

	got, err := svc.Get(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-second-key", got)
}

func TestService_CiphertextIsBoundToUser(t *testing.T) {
	svc, repo := newService(t)
	_, err := svc.Save(userCtx("u-1"), "openai", "sk-owned-by-u1")
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), "u-1", "openai")
	require.NoError(t, err)
	_, err = repo.Upsert(context.Background(), "u-2", "openai", stored.EncryptedKey)
	require.NoError(t, err)

	_, err = svc.Get(userCtx("u-2"), "openai")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestService_RejectsBadInput(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Save(userCtx("u-1"), "gemini", "sk-123456789")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = svc.Save(userCtx("u-1"), "openai", "   ")
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, err = svc.Save(context.Background(), "openai", "sk-123456789")
	assert.ErrorIs(t, err, auth.ErrNoPrincipal)

	_, err = NewService(nil, "")
	assert.Error(t, err)
}
