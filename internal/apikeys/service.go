// Package apikeys stores users' personal LLM provider keys encrypted at rest.
package apikeys

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
)

var (
	ErrNotFound        = errors.New("api key not found")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrEmptyKey        = errors.New("api key is empty")
	ErrCorrupt         = errors.New("stored api key cannot be decrypted")
)

// Providers that accept personal keys.
var Providers = []string{"openai", "anthropic"}

const hkdfInfo = "bridge api key encryption v1"

// Store is the persistent key table.
type Store interface {
	Upsert(ctx context.Context, userID, provider, encrypted string) (model.APIKey, error)
	Get(ctx context.Context, userID, provider string) (model.APIKey, error)
	Delete(ctx context.Context, userID, provider string) error
}

// Service encrypts keys with XChaCha20-Poly1305 under a key derived from the
// server secret. The user id is bound as associated data, so a ciphertext
// copied to another user's row does not decrypt.
type Service struct {
	store Store
	aead  cipher.AEAD
}

// NewService derives the encryption key from secret.
func NewService(store Store, secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("api key secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive api key encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Service{store: store, aead: aead}, nil
}

// Save encrypts and stores the caller's key for provider, replacing any previous one.
func (s *Service) Save(ctx context.Context, provider, apiKey string) (model.APIKeyStatus, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.APIKeyStatus{}, err
	}
	if err := checkProvider(provider); err != nil {
		return model.APIKeyStatus{}, err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return model.APIKeyStatus{}, ErrEmptyKey
	}

	sealed, err := s.encrypt(p.UserID, apiKey)
	if err != nil {
		return model.APIKeyStatus{}, err
	}
	k, err := s.store.Upsert(ctx, p.UserID, provider, sealed)
	if err != nil {
		return model.APIKeyStatus{}, fmt.Errorf("failed to save api key: %w", err)
	}
	return model.APIKeyStatus{Provider: provider, HasKey: true, UpdatedAt: &k.UpdatedAt}, nil
}

// Has reports whether the caller stored a key for provider.
func (s *Service) Has(ctx context.Context, provider string) (model.APIKeyStatus, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return model.APIKeyStatus{}, err
	}
	if err := checkProvider(provider); err != nil {
		return model.APIKeyStatus{}, err
	}

	k, err := s.store.Get(ctx, p.UserID, provider)
	if errors.Is(err, repository.ErrNotFound) {
		return model.APIKeyStatus{Provider: provider}, nil
	}
	if err != nil {
		return model.APIKeyStatus{}, fmt.Errorf("failed to load api key: %w", err)
	}
	return model.APIKeyStatus{Provider: provider, HasKey: true, UpdatedAt: &k.UpdatedAt}, nil
}

// Get returns the caller's decrypted key for provider.
func (s *Service) Get(ctx context.Context, provider string) (string, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return "", err
	}
	if err := checkProvider(provider); err != nil {
		return "", err
	}

	k, err := s.store.Get(ctx, p.UserID, provider)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load api key: %w", err)
	}
	return s.decrypt(p.UserID, k.EncryptedKey)
}

// Remove deletes the caller's key for provider.
func (s *Service) Remove(ctx context.Context, provider string) error {
	p, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if err := checkProvider(provider); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, p.UserID, provider); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove api key: %w", err)
	}
	return nil
}

func (s *Service) encrypt(userID, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Service) decrypt(userID, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrCorrupt
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

func checkProvider(provider string) error {
	for _, p := range Providers {
		if p == provider {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}
