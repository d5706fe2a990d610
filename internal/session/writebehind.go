package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// WriteBehind mirrors local changes to the backend asynchronously. Each key
// (a session id) has its own FIFO queue drained by at most one goroutine, so
// writes for one session reach the backend in the order they were enqueued.
// Failures are logged and dropped; nothing is retried.
type WriteBehind struct {
	timeout time.Duration
	logger  *logger.Logger

	mu      sync.Mutex
	queues  map[string][]op
	running map[string]bool
	idle    chan struct{}
}

// NewWriteBehind creates a write-behind queue. timeout bounds each backend call.
func NewWriteBehind(timeout time.Duration, log *logger.Logger) *WriteBehind {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Global()
	}
	idle := make(chan struct{})
	close(idle)
	return &WriteBehind{
		timeout: timeout,
		logger:  log,
		queues:  make(map[string][]op),
		running: make(map[string]bool),
		idle:    idle,
	}
}

// Enqueue schedules fn after every operation already queued for key.
func (w *WriteBehind) Enqueue(key, name string, fn func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.queues[key] = append(w.queues[key], op{name: name, fn: fn})
	metrics.WriteBehindPending.Inc()

	if w.running[key] {
		return
	}
	if len(w.running) == 0 {
		w.idle = make(chan struct{})
	}
	w.running[key] = true
	go w.drain(key)
}

func (w *WriteBehind) drain(key string) {
	for {
		w.mu.Lock()
		q := w.queues[key]
		if len(q) == 0 {
			delete(w.queues, key)
			delete(w.running, key)
			if len(w.running) == 0 {
				close(w.idle)
			}
			w.mu.Unlock()
			return
		}
		next := q[0]
		q[0] = op{}
		w.queues[key] = q[1:]
		w.mu.Unlock()

		w.run(key, next)
		metrics.WriteBehindPending.Dec()
	}
}

func (w *WriteBehind) run(key string, o op) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := o.fn(ctx); err != nil {
		metrics.WriteBehindFailures.WithLabelValues(o.name).Inc()
		w.logger.Warn("background persistence failed",
			zap.String("op", o.name),
			zap.String("session_id", key),
			zap.Error(err),
		)
	}
}

// Flush blocks until every queue is empty or ctx is done.
func (w *WriteBehind) Flush(ctx context.Context) error {
	for {
		w.mu.Lock()
		if len(w.running) == 0 {
			w.mu.Unlock()
			return nil
		}
		idle := w.idle
		w.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
