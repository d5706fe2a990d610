// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/assistant"
	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/render"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
)

// SessionHandler handles chat session endpoints.
type SessionHandler struct {
	sessions *session.Registry
	engine   *assistant.Engine
	renderer *render.Renderer
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *session.Registry, engine *assistant.Engine, renderer *render.Renderer, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		engine:   engine,
		renderer: renderer,
		logger:   log,
	}
}

// SessionDetails is a session together with its display view.
type SessionDetails struct {
	Session model.ChatSession  `json:"session"`
	View    render.SessionView `json:"view"`
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.Start(r.Context(), req.Title)
	if err != nil {
		h.logger.Error("failed to start session", zap.Error(err))
		writeDomainError(w, err, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	store, err := h.sessions.For(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to list sessions")
		return
	}

	list := store.Sessions()
	resp := model.ListSessionsResponse{Sessions: list, Total: len(list)}
	if cur, ok := store.Current(); ok {
		resp.CurrentSessionID = cur.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/sessions/:id
// It waits for the session's messages to be back-filled.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("session", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store, err := h.sessions.For(ctx)
	if err != nil {
		writeDomainError(w, err, "failed to load session")
		return
	}
	done, err := store.LoadSession(id)
	if err != nil {
		writeDomainError(w, err, "failed to load session")
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		return
	}

	sess, err := store.Session(id)
	if err != nil {
		writeDomainError(w, err, "failed to load session")
		return
	}
	view, err := h.renderer.RenderSession(sess)
	if err != nil {
		h.logger.Error("failed to render session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render session")
		return
	}

	writeJSON(w, http.StatusOK, SessionDetails{Session: sess, View: view})
}

// Update handles PUT /api/v1/sessions/:id
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("session", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.UpdateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mutate(w, r, id, func(store *session.Store) error {
		return store.RenameSession(id, req.Title)
	})
}

// Archive handles POST /api/v1/sessions/:id/archive
func (h *SessionHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("session", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mutate(w, r, id, func(store *session.Store) error {
		return store.ArchiveSession(id)
	})
}

// Delete handles DELETE /api/v1/sessions/:id
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("session", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	store, err := h.sessions.For(ctx)
	if err != nil {
		writeDomainError(w, err, "failed to delete session")
		return
	}
	if err := store.DeleteSession(id); err != nil {
		writeDomainError(w, err, "failed to delete session")
		return
	}
	h.engine.Forget(ctx, id)

	w.WriteHeader(http.StatusNoContent)
}

// Reply handles POST /api/v1/sessions/:id/reply
func (h *SessionHandler) Reply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("session", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.engine.Reply(r.Context(), id, req)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("failed to process reply", zap.String("session_id", id), zap.Error(err))
		}
		writeDomainError(w, err, "failed to process reply")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *SessionHandler) mutate(w http.ResponseWriter, r *http.Request, id string, fn func(*session.Store) error) {
	store, err := h.sessions.For(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to update session")
		return
	}
	if err := fn(store); err != nil {
		writeDomainError(w, err, "failed to update session")
		return
	}
	sess, err := store.Session(id)
	if err != nil {
		writeDomainError(w, err, "failed to update session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
