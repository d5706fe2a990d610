package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/nats"
	"github.com/fusion-data/bridge/pkg/logger"
)

// NotificationHandler replays the caller's toast feed.
type NotificationHandler struct {
	bus    nats.Bus
	logger *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(bus nats.Bus, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{bus: bus, logger: log}
}

// List handles GET /api/v1/notifications?after_sequence=N&limit=M
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := auth.Require(r.Context())
	if err != nil {
		writeDomainError(w, err, "")
		return
	}

	var afterSequence uint64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		if parsed, err := strconv.ParseUint(s, 10, 64); err == nil {
			afterSequence = parsed
		}
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	list, last, hasMore, err := h.bus.Notifications(r.Context(), p.UserID, afterSequence, limit)
	if err != nil {
		h.logger.Error("failed to read notifications", zap.String("user_id", p.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read notifications")
		return
	}
	if list == nil {
		list = []model.Notification{}
	}

	writeJSON(w, http.StatusOK, model.ListNotificationsResponse{
		Notifications: list,
		LastSequence:  last,
		HasMore:       hasMore,
	})
}
