package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type SearchHandler struct {
	coord *service.Coordinator
}

func NewSearchHandler(coord *service.Coordinator) *SearchHandler {
	return &SearchHandler{coord: coord}
}

type searchResponse struct {
	Results  []service.SearchResult `json:"results"`
	Degraded bool                   `json:"degraded"`
}

type memoriesResponse struct {
	Memories []domain.Memory `json:"memories"`
}

// Search ranks memories against ?query=. An empty query or limit=0 yields an
// empty result. Optional filters: layer (repeatable or comma separated),
// from and to (RFC 3339, inclusive), min_importance and offset.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	filter, err := parseSearchFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.coord.SearchWith(r.Context(), query, limit, filter)
	if err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	resp := searchResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []service.SearchResult{}
	}
	if len(results) > 0 {
		resp.Degraded = results[0].Degraded
	}
	writeJSON(w, http.StatusOK, resp)
}

func invalidParam(name string) error {
	return fmt.Errorf("invalid %s parameter", name)
}

func parseSearchFilter(r *http.Request) (service.SearchFilter, error) {
	q := r.URL.Query()
	var f service.SearchFilter
	for _, v := range q["layer"] {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				f.Layers = append(f.Layers, domain.Layer(l))
			}
		}
	}
	bounds := []struct {
		name string
		dst  *time.Time
	}{{"from", &f.CreatedAfter}, {"to", &f.CreatedBefore}}
	for _, b := range bounds {
		raw := q.Get(b.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, invalidParam(b.name)
		}
		*b.dst = t
	}
	if raw := q.Get("min_importance"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, invalidParam("min_importance")
		}
		f.MinImportance = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return f, invalidParam("offset")
		}
		f.Offset = v
	}
	return f, nil
}

func (h *SearchHandler) ByEntity(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeMemories(w, h.coord.SearchByEntity(r.Context(), chi.URLParam(r, "entity"), limit))
}

func (h *SearchHandler) ByTopic(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeMemories(w, h.coord.SearchByTopic(r.Context(), chi.URLParam(r, "topic"), limit))
}

// Recent lists memories by last access, optionally within ?layer=.
func (h *SearchHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ms, err := h.coord.RecentContext(r.Context(), domain.Layer(r.URL.Query().Get("layer")), limit)
	if err != nil {
		writeServiceError(w, err, uuid.Nil)
		return
	}
	writeMemories(w, ms)
}

func writeMemories(w http.ResponseWriter, ms []domain.Memory) {
	if ms == nil {
		ms = []domain.Memory{}
	}
	writeJSON(w, http.StatusOK, memoriesResponse{Memories: ms})
}
