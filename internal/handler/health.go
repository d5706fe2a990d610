package handler

import (
	"context"
	"net/http"
	"time"

	natsclient "github.com/fusion-data/bridge/internal/nats"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db         Pinger
	natsClient *natsclient.Client
}

// NewHealthHandler creates a new health handler. natsClient is nil when
// events stay in process.
func NewHealthHandler(db Pinger, natsClient *natsclient.Client) *HealthHandler {
	return &HealthHandler{
		db:         db,
		natsClient: natsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database unreachable",
			})
			return
		}
	}

	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
