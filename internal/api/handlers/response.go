package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultLimit = 10
	maxLimit     = 100
)

type errorResponse struct {
	Error string `json:"error"`
	// ID names the memory that was changed in memory but not persisted.
	ID string `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps coordinator errors onto status codes. id may be
// uuid.Nil when the failing operation has no single subject.
func writeServiceError(w http.ResponseWriter, err error, id uuid.UUID) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPersistence):
		resp := errorResponse{Error: err.Error()}
		if id != uuid.Nil {
			resp.ID = id.String()
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case errors.Is(err, domain.ErrConsolidationConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit reads ?limit=, defaulting when absent and clamping to maxLimit.
// Zero is allowed and yields an empty page.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}
