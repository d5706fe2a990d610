package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/internal/repository"
	"github.com/fusion-data/bridge/internal/requests"
	"github.com/fusion-data/bridge/internal/session"
	"github.com/fusion-data/bridge/pkg/logger"
)

// LinkedSessions finds the persisted session linked to a request.
type LinkedSessions interface {
	FindSessionByRequest(ctx context.Context, userID, requestID string) (model.ChatSession, error)
}

// RequestHandler handles data request endpoints.
type RequestHandler struct {
	requests *requests.Service
	sessions *session.Registry
	linked   LinkedSessions
	logger   *logger.Logger
}

// NewRequestHandler creates a new request handler. linked is consulted when
// the user's in-memory store knows no session for a request; it may be nil.
func NewRequestHandler(svc *requests.Service, sessions *session.Registry, linked LinkedSessions, log *logger.Logger) *RequestHandler {
	return &RequestHandler{
		requests: svc,
		sessions: sessions,
		linked:   linked,
		logger:   log,
	}
}

// List handles GET /api/v1/requests?status=&q=
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	f := repository.RequestFilter{
		Status: model.RequestStatus(r.URL.Query().Get("status")),
		Query:  r.URL.Query().Get("q"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	list, err := h.requests.FetchMine(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "failed to list requests")
		return
	}
	if list == nil {
		list = []model.Request{}
	}

	writeJSON(w, http.StatusOK, model.ListRequestsResponse{Requests: list, Total: len(list)})
}

// Get handles GET /api/v1/requests/:id
// The response includes the conversation that produced the request, if any.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err, "failed to load request")
		return
	}

	details := model.RequestDetails{Request: req}
	details.SessionID = h.linkedSession(ctx, middleware.GetUserID(r), id)
	writeJSON(w, http.StatusOK, details)
}

func (h *RequestHandler) linkedSession(ctx context.Context, userID, requestID string) string {
	if store, err := h.sessions.For(ctx); err == nil {
		if sess, found := store.FindSessionByRequest(requestID); found {
			return sess.ID
		}
	}
	if h.linked == nil {
		return ""
	}
	sess, err := h.linked.FindSessionByRequest(ctx, userID, requestID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("failed to look up linked session", zap.String("request_id", requestID), zap.Error(err))
		}
		return ""
	}
	return sess.ID
}

// Update handles PATCH /api/v1/requests/:id
func (h *RequestHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	var patch model.RequestPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	if err := middleware.ValidateStruct(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.requests.Update(r.Context(), id, patch)
	if err != nil {
		h.logger.Warn("failed to update request", zap.String("request_id", id), zap.Error(err))
		writeDomainError(w, err, "failed to update request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Cancel handles POST /api/v1/requests/:id/cancel
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	req, err := h.requests.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to cancel request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListComments handles GET /api/v1/requests/:id/comments
func (h *RequestHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	list, err := h.requests.ListComments(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to list comments")
		return
	}
	if list == nil {
		list = []model.Comment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comments": list})
}

// AddComment handles POST /api/v1/requests/:id/comments
func (h *RequestHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := requestID(w, r)
	if !ok {
		return
	}

	var req model.AddCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.requests.AddComment(r.Context(), id, req.Comentario)
	if err != nil {
		writeDomainError(w, err, "failed to add comment")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func requestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("request", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
