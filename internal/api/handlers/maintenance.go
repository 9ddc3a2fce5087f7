package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/google/uuid"
)

// MaintenanceHandler exposes the passes the scheduler normally runs, plus
// stats and a durability flush.
type MaintenanceHandler struct {
	coord *service.Coordinator
}

func NewMaintenanceHandler(coord *service.Coordinator) *MaintenanceHandler {
	return &MaintenanceHandler{coord: coord}
}

type consolidateRequest struct {
	Trigger    string   `json:"trigger,omitempty"`
	Layers     []string `json:"layers,omitempty"`
	Strategies []string `json:"strategies,omitempty"`
}

type pruneRequest struct {
	Strategy string   `json:"strategy"`
	Layers   []string `json:"layers,omitempty"`
	IDs      []string `json:"ids,omitempty"`
}

// decodeOptional accepts an empty body as the zero request.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func toLayers(in []string) []domain.Layer {
	out := make([]domain.Layer, len(in))
	for i, l := range in {
		out[i] = domain.Layer(l)
	}
	return out
}

func (h *MaintenanceHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Trigger == "" {
		req.Trigger = string(domain.TriggerManual)
	}
	strategies := make([]domain.ConsolidationStrategy, len(req.Strategies))
	for i, s := range req.Strategies {
		strategies[i] = domain.ConsolidationStrategy(s)
	}

	report, err := h.coord.ConsolidateWith(r.Context(), service.ConsolidationRequest{
		Trigger:    domain.TriggerReason(req.Trigger),
		Layers:     toLayers(req.Layers),
		Strategies: strategies,
	})
	if err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *MaintenanceHandler) Prune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(domain.PruneCapacityBound)
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id "+raw)
			return
		}
		ids = append(ids, id)
	}

	report, err := h.coord.PruneWith(r.Context(), service.PruneRequest{
		Strategy: domain.PruneStrategy(req.Strategy),
		Layers:   toLayers(req.Layers),
		IDs:      ids,
	})
	if err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *MaintenanceHandler) Reflect(w http.ResponseWriter, r *http.Request) {
	report, err := h.coord.Reflect(r.Context())
	if err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *MaintenanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.GetStats(r.Context()))
}

func (h *MaintenanceHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Flush(r.Context()); err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}
