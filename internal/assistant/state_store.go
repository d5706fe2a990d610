package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// StateStore keeps the wizard state of each session.
type StateStore interface {
	Load(ctx context.Context, sessionID string) (Conversation, bool, error)
	Save(ctx context.Context, sessionID string, c Conversation) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStateStore keeps wizard state in process for ttl after the last save.
type MemoryStateStore struct {
	cache *cache.Cache
}

// NewMemoryStateStore creates an in-process state store.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{cache: cache.New(ttl, 10*time.Minute)}
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(_ context.Context, sessionID string) (Conversation, bool, error) {
	if x, found := s.cache.Get(sessionID); found {
		return x.(Conversation).Clone(), true, nil
	}
	return Conversation{}, false, nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(_ context.Context, sessionID string, c Conversation) error {
	s.cache.Set(sessionID, c.Clone(), cache.DefaultExpiration)
	return nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(_ context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	return nil
}

// RedisStateStore shares wizard state between API instances.
type RedisStateStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(rdb *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, ttl: ttl, prefix: "bridge:wizard:"}
}

// NewRedisClient parses url, falling back to treating it as a host:port.
func NewRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	return redis.NewClient(opt)
}

// Load implements StateStore.
func (s *RedisStateStore) Load(ctx context.Context, sessionID string) (Conversation, bool, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, fmt.Errorf("failed to load wizard state: %w", err)
	}

	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conversation{}, false, fmt.Errorf("failed to decode wizard state: %w", err)
	}
	return c, true, nil
}

// Save implements StateStore.
func (s *RedisStateStore) Save(ctx context.Context, sessionID string, c Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode wizard state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+sessionID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save wizard state: %w", err)
	}
	return nil
}

// Delete implements StateStore.
func (s *RedisStateStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.prefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to delete wizard state: %w", err)
	}
	return nil
}
