package session

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/pkg/logger"
)

// Registry hands out one Store per user, hydrated from the backend on first
// use and evicted after ttl without access. A store with subscribers is never
// evicted, so open streams keep seeing the store that turns write to.
// Pending writes of an evicted store still complete, since the write-behind
// queue is shared.
type Registry struct {
	backend Backend
	wb      *WriteBehind
	logger  *logger.Logger
	cache   *cache.Cache
	group   singleflight.Group

	mu   sync.Mutex
	live map[string]*Store // every store handed out and not yet evicted
}

// NewRegistry creates a registry.
func NewRegistry(backend Backend, wb *WriteBehind, ttl time.Duration, log *logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = logger.Global()
	}
	r := &Registry{
		backend: backend,
		wb:      wb,
		logger:  log,
		cache:   cache.New(ttl, min(ttl, 10*time.Minute)),
		live:    make(map[string]*Store),
	}
	r.cache.OnEvicted(r.evicted)
	return r
}

// For returns the store of the authenticated principal in ctx.
func (r *Registry) For(ctx context.Context) (*Store, error) {
	p, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	return r.ForUser(ctx, p.UserID)
}

// ForUser returns userID's store, creating and hydrating it if needed.
// Hydration runs outside the registry lock; concurrent first accesses of one
// user share a single hydration.
func (r *Registry) ForUser(ctx context.Context, userID string) (*Store, error) {
	if userID == "" {
		return nil, auth.ErrNoPrincipal
	}
	if st := r.lookup(userID); st != nil {
		return st, nil
	}

	v, _, _ := r.group.Do(userID, func() (any, error) {
		if st := r.lookup(userID); st != nil {
			return st, nil
		}
		st := NewStore(userID, r.backend, r.wb, r.logger)
		if err := st.Hydrate(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to hydrate session store", zap.String("user_id", userID), zap.Error(err))
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.live[userID] = st
		r.cache.Set(userID, st, cache.DefaultExpiration)
		return st, nil
	})
	return v.(*Store), nil
}

// lookup returns a known store and refreshes its expiry. An expired store the
// janitor has not swept yet is still the user's store.
func (r *Registry) lookup(userID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.live[userID]
	if !ok {
		return nil
	}
	r.cache.Set(userID, st, cache.DefaultExpiration)
	return st
}

func (r *Registry) evicted(userID string, v any) {
	st := v.(*Store)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[userID] != st {
		return
	}
	if x, found := r.cache.Get(userID); found && x.(*Store) == st {
		return
	}
	if st.Subscribers() > 0 {
		r.cache.Set(userID, st, cache.DefaultExpiration)
		return
	}
	delete(r.live, userID)
}

// Flush waits for pending background writes.
func (r *Registry) Flush(ctx context.Context) error {
	return r.wb.Flush(ctx)
}
