package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/pkg/metrics"
)

// memoryRetention is how many notifications are kept per user.
const memoryRetention = 200

// MemoryBus is an in-process Bus used when NATS is disabled. It keeps the
// most recent notifications of each user for ttl.
type MemoryBus struct {
	mu    sync.Mutex
	seq   uint64
	feeds *cache.Cache
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(ttl time.Duration) *MemoryBus {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryBus{feeds: cache.New(ttl, time.Hour)}
}

// Publish records notifications and sequences every event.
func (b *MemoryBus) Publish(_ context.Context, ev model.Event) (uint64, error) {
	if ev.UserID == "" {
		return 0, errors.New("event has no user")
	}
	stamp(&ev)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Sequence = b.seq
	metrics.EventsPublished.WithLabelValues(string(ev.Kind), "ok").Inc()

	if ev.Kind != model.EventNotification {
		return ev.Sequence, nil
	}

	var feed []model.Notification
	if x, ok := b.feeds.Get(ev.UserID); ok {
		feed = x.([]model.Notification)
	}
	feed = append(feed, NotificationFromEvent(ev))
	if len(feed) > memoryRetention {
		feed = append([]model.Notification(nil), feed[len(feed)-memoryRetention:]...)
	}
	b.feeds.Set(ev.UserID, feed, cache.DefaultExpiration)
	return ev.Sequence, nil
}

// Notifications returns up to limit notifications after afterSequence.
func (b *MemoryBus) Notifications(_ context.Context, userID string, afterSequence uint64, limit int) ([]model.Notification, uint64, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	x, ok := b.feeds.Get(userID)
	if !ok {
		return nil, afterSequence, false, nil
	}

	var out []model.Notification
	last := afterSequence
	hasMore := false
	for _, n := range x.([]model.Notification) {
		if n.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			hasMore = true
			break
		}
		out = append(out, n)
		last = n.Sequence
	}
	return out, last, hasMore, nil
}
