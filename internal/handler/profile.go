package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fusion-data/bridge/internal/apikeys"
	"github.com/fusion-data/bridge/internal/middleware"
	"github.com/fusion-data/bridge/internal/model"
	"github.com/fusion-data/bridge/pkg/logger"
)

// ProfileHandler manages the caller's personal API keys.
type ProfileHandler struct {
	keys   *apikeys.Service
	logger *logger.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(keys *apikeys.Service, log *logger.Logger) *ProfileHandler {
	return &ProfileHandler{keys: keys, logger: log}
}

// GetAPIKey handles GET /api/v1/profile/api-keys/:provider
// Only presence is reported; the key itself never leaves the server.
func (h *ProfileHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	status, err := h.keys.Has(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeDomainError(w, err, "failed to load api key")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SaveAPIKey handles PUT /api/v1/profile/api-keys/:provider
func (h *ProfileHandler) SaveAPIKey(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req model.SaveAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.keys.Save(r.Context(), provider, req.APIKey)
	if err != nil {
		h.logger.Error("failed to save api key", zap.String("provider", provider), zap.String("error", logger.Redact(err.Error())))
		writeDomainError(w, err, "failed to save api key")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DeleteAPIKey handles DELETE /api/v1/profile/api-keys/:provider
func (h *ProfileHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Remove(r.Context(), chi.URLParam(r, "provider")); err != nil {
		writeDomainError(w, err, "failed to remove api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
