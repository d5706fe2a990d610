package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
	"github.com/fusion-data/bridge/pkg/metrics"
)

// HeartbeatInterval is how often an idle stream sends a heartbeat.
const HeartbeatInterval = 30 * time.Second

// streamBuffer is how many store events a slow client may lag behind.
const streamBuffer = 64

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *session.Registry
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *session.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:  sessions,
		logger:    log,
		heartbeat: HeartbeatInterval,
	}
}

// ReplayCompleteEvent represents the completion of message replay.
type ReplayCompleteEvent struct {
	MessageCount int `json:"message_count"`
}

// Stream handles GET /api/v1/sessions/:id/stream
// It replays the session's messages, then pushes new and updated messages
// and typing indicators as the store changes.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("session", sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store, err := h.sessions.For(ctx)
	if err != nil {
		writeDomainError(w, err, "failed to open stream")
		return
	}
	loaded, err := store.LoadSession(sessionID)
	if err != nil {
		writeDomainError(w, err, "failed to open stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the replay so nothing appended in between is lost;
	// the replay's message ids filter out duplicates.
	events := make(chan session.Event, streamBuffer)
	unsubscribe := store.Subscribe(func(ev session.Event) {
		if ev.SessionID != sessionID {
			return
		}
		select {
		case events <- ev:
		default:
			h.logger.Warn("dropping stream event for slow client", zap.String("session_id", sessionID))
		}
	})
	defer unsubscribe()

	select {
	case <-loaded:
	case <-ctx.Done():
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"session_id": sessionID,
	})

	sess, err := store.Session(sessionID)
	if err != nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "replay_error",
			Message: "Failed to replay messages",
		})
		return
	}
	replayed := make(map[string]bool, len(sess.Messages))
	for _, msg := range sess.Messages {
		sendSSEEvent(w, flusher, "message", msg)
		replayed[msg.ID] = true
	}
	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{MessageCount: len(sess.Messages)})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sessionID))
			return

		case ev := <-events:
			switch ev.Kind {
			case session.EventMessageAdded:
				if replayed[ev.Message.ID] {
					continue
				}
				sendSSEEvent(w, flusher, "message", ev.Message)
			case session.EventMessageUpdated:
				sendSSEEvent(w, flusher, "message_updated", ev.Message)
			case session.EventTyping:
				sendSSEEvent(w, flusher, "typing", &model.TypingEvent{SessionID: sessionID, Typing: ev.Typing})
			case session.EventSessionUpdated:
				sendSSEEvent(w, flusher, "session", ev.Session)
			case session.EventSessionDeleted:
				sendSSEEvent(w, flusher, "deleted", map[string]string{"session_id": sessionID})
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
