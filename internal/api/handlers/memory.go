package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/google/uuid"
)

type MemoryHandler struct {
	coord *service.Coordinator
}

func NewMemoryHandler(coord *service.Coordinator) *MemoryHandler {
	return &MemoryHandler{coord: coord}
}

type createMemoryRequest struct {
	Content            string            `json:"content"`
	Source             string            `json:"source,omitempty"`
	VerificationStatus string            `json:"verification_status,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type updateMemoryRequest struct {
	Content            *string           `json:"content,omitempty"`
	VerificationStatus *string           `json:"verification_status,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type associateRequest struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type"`
}

type similarResponse struct {
	Results []service.SearchResult `json:"results"`
}

func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = string(domain.SourceUserInput)
	}

	m, err := h.coord.Add(r.Context(), service.AddRequest{
		Content:      req.Content,
		Source:       domain.Source(req.Source),
		Verification: domain.VerificationStatus(req.VerificationStatus),
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err, m.ID)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	m, err := h.coord.GetMemory(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req updateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upd := service.UpdateRequest{Content: req.Content, Metadata: req.Metadata}
	if req.VerificationStatus != nil {
		status := domain.VerificationStatus(*req.VerificationStatus)
		upd.Verification = &status
	}
	m, err := h.coord.UpdateMemory(r.Context(), id, upd)
	if err != nil {
		writeServiceError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.coord.RemoveMemory(r.Context(), id); err != nil {
		writeServiceError(w, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MemoryHandler) Associations(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	linked, err := h.coord.Associations(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"associations": linked})
}

func (h *MemoryHandler) Associate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req associateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := uuid.Parse(req.TargetID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target_id")
		return
	}
	if !domain.ValidAssociationType(req.Type) {
		writeError(w, http.StatusBadRequest, "invalid association type")
		return
	}

	if err := h.coord.Associate(r.Context(), id, target, domain.AssociationType(req.Type)); err != nil {
		writeServiceError(w, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MemoryHandler) Similar(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	results, err := h.coord.FindSimilar(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, domain.ErrEmbeddingUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "similarity search needs embeddings, which are unavailable")
			return
		}
		writeServiceError(w, err, id)
		return
	}
	if results == nil {
		results = []service.SearchResult{}
	}
	writeJSON(w, http.StatusOK, similarResponse{Results: results})
}
