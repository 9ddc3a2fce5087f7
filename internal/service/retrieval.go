package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SearchResult struct {
	Memory     domain.Memory `json:"memory"`
	Relevance  float64       `json:"relevance"`
	Lexical    float64       `json:"lexical"`
	Semantic   float64       `json:"semantic"`
	Importance float64       `json:"importance"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// SearchFilter narrows a search before ranking. The zero value matches every
// primary memory. Created bounds are inclusive; Offset skips that many ranked
// results.
type SearchFilter struct {
	Layers        []domain.Layer
	CreatedAfter  time.Time
	CreatedBefore time.Time
	MinImportance float64
	Offset        int
}

func (f SearchFilter) Validate() error {
	for _, l := range f.Layers {
		if !domain.ValidLayer(string(l)) {
			return fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidInput, l)
		}
	}
	if !f.CreatedAfter.IsZero() && !f.CreatedBefore.IsZero() && f.CreatedBefore.Before(f.CreatedAfter) {
		return fmt.Errorf("%w: created range ends before it starts", domain.ErrInvalidInput)
	}
	if f.MinImportance < 0 || f.MinImportance > 1 {
		return fmt.Errorf("%w: min importance must be within [0, 1]", domain.ErrInvalidInput)
	}
	if f.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", domain.ErrInvalidInput)
	}
	return nil
}

func (f SearchFilter) matches(m *domain.Memory) bool {
	if len(f.Layers) > 0 && !slices.Contains(f.Layers, m.Layer) {
		return false
	}
	if !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && m.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return m.ImportanceScore >= f.MinImportance
}

// RetrievalEngine ranks memories against a query: a lexical filter first,
// then a bounded semantic stage, then a combination with stored importance.
type RetrievalEngine struct {
	store      *memstore.Store
	embeddings domain.EmbeddingProvider
	policy     domain.RetrievalPolicy
	logger     *zap.Logger
}

func NewRetrievalEngine(store *memstore.Store, embeddings domain.EmbeddingProvider, policy domain.Policy, logger *zap.Logger) *RetrievalEngine {
	return &RetrievalEngine{
		store:      store,
		embeddings: embeddings,
		policy:     policy.Retrieval,
		logger:     logger,
	}
}

// Search ranks and then records the access on every returned memory.
func (e *RetrievalEngine) Search(ctx context.Context, query string, limit int, now time.Time) ([]SearchResult, error) {
	results, err := e.Rank(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return e.RecordAccess(results, now), nil
}

// Rank is read-only. An empty query or non-positive limit yields an empty
// result rather than an error.
func (e *RetrievalEngine) Rank(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return e.RankWith(ctx, query, limit, SearchFilter{})
}

// RankWith ranks the memories that pass f and returns one page of limit
// results starting at f.Offset.
func (e *RetrievalEngine) RankWith(ctx context.Context, query string, limit int, f SearchFilter) ([]SearchResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	results := []SearchResult{}
	phrase, terms := normalizeQuery(query)
	if phrase == "" || limit <= 0 {
		return results, nil
	}

	candidates := e.lexicalCandidates(phrase, terms, f)
	if len(candidates) == 0 {
		return results, nil
	}

	degraded, err := e.semanticStage(ctx, phrase, candidates)
	if err != nil {
		return nil, err
	}

	alpha, beta := e.policy.Alpha, e.policy.Beta
	for i := range candidates {
		c := &candidates[i]
		c.Importance = c.Memory.ImportanceScore
		c.Degraded = degraded
		if degraded {
			c.Relevance = lexicalOnly(alpha, beta, c.Lexical, c.Importance)
		} else {
			c.Relevance = clamp01((alpha*c.Lexical + (1-alpha)*c.Semantic + beta*c.Importance) / (1 + beta))
		}
	}

	sortResults(candidates)
	if f.Offset >= len(candidates) {
		return results, nil
	}
	candidates = candidates[f.Offset:]
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// RecordAccess bumps access count and last-access time on each result. The
// returned slice carries the updated records; results whose memory vanished
// in the meantime are dropped.
func (e *RetrievalEngine) RecordAccess(results []SearchResult, now time.Time) []SearchResult {
	out := results[:0]
	for _, r := range results {
		err := e.store.Update(r.Memory.ID, func(m *domain.Memory) error {
			m.AccessCount++
			if now.After(m.LastAccessedAt) {
				m.LastAccessedAt = now
			}
			return nil
		})
		if err != nil {
			e.logger.Debug("skip access write-back", zap.String("memory_id", r.Memory.ID.String()), zap.Error(err))
			continue
		}
		if fresh, err := e.store.Get(r.Memory.ID); err == nil {
			r.Memory = fresh
		}
		out = append(out, r)
	}
	return out
}

func (e *RetrievalEngine) lexicalCandidates(phrase string, terms []string, f SearchFilter) []SearchResult {
	var out []SearchResult
	for _, m := range e.store.All() {
		if !m.Primary() || !f.matches(&m) {
			continue
		}
		score, ok := lexicalMatch(phrase, terms, &m)
		if !ok {
			continue
		}
		out = append(out, SearchResult{Memory: m, Lexical: score, Semantic: NeutralSignal})
	}

	capN := e.policy.CandidateCap
	if capN > 0 && len(out) > capN {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Lexical != out[j].Lexical {
				return out[i].Lexical > out[j].Lexical
			}
			return domain.LessID(out[i].Memory.ID, out[j].Memory.ID)
		})
		out = out[:capN]
	}
	return out
}

// semanticStage fills in Semantic for each candidate. It reports degraded
// when the provider is down or the query cannot be embedded; individual
// candidate failures fall back to the neutral value without degrading the
// whole search.
func (e *RetrievalEngine) semanticStage(ctx context.Context, query string, candidates []SearchResult) (bool, error) {
	if !embeddingsUp(ctx, e.embeddings) {
		return true, nil
	}

	qctx, cancel := context.WithTimeout(ctx, embedTimeout(e.policy))
	qvec, err := e.embeddings.Embed(qctx, query)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.logger.Warn("query embedding failed, using lexical ranking", zap.Error(err))
		return true, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.policy.EmbedConcurrency, 1))
	for i := range candidates {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, embedTimeout(e.policy))
			defer cancel()
			m := &candidates[i].Memory
			vec, err := e.embeddings.Vector(cctx, embeddingHandle(m), m.Content)
			if err != nil {
				candidates[i].Semantic = NeutralSignal
				return nil
			}
			candidates[i].Semantic = semanticScore(e.embeddings.Similarity(qvec, vec))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func lexicalOnly(alpha, beta, lexical, importance float64) float64 {
	if alpha+beta <= 0 {
		return clamp01(lexical)
	}
	return clamp01((alpha*lexical + beta*importance) / (alpha + beta))
}

// sortResults orders by relevance, then most recently accessed, then id, so
// equal inputs always produce the same order.
func sortResults(rs []SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if !a.Memory.LastAccessedAt.Equal(b.Memory.LastAccessedAt) {
			return a.Memory.LastAccessedAt.After(b.Memory.LastAccessedAt)
		}
		return domain.LessID(a.Memory.ID, b.Memory.ID)
	})
}

// SearchByEntity returns primary memories mentioning the entity, most
// important first.
func (e *RetrievalEngine) SearchByEntity(entity string, limit int) []domain.Memory {
	want := strings.ToLower(strings.TrimSpace(entity))
	if want == "" {
		return []domain.Memory{}
	}
	return e.filter(limit, func(m *domain.Memory) bool {
		for _, en := range m.Entities {
			if strings.ToLower(en.Text) == want {
				return true
			}
		}
		return false
	})
}

func (e *RetrievalEngine) SearchByTopic(topic string, limit int) []domain.Memory {
	want := strings.ToLower(strings.TrimSpace(topic))
	if want == "" {
		return []domain.Memory{}
	}
	return e.filter(limit, func(m *domain.Memory) bool {
		for _, t := range m.Topics {
			if t == want {
				return true
			}
		}
		return false
	})
}

// RecentContext returns the most recently accessed primary memories,
// optionally restricted to one layer.
func (e *RetrievalEngine) RecentContext(layer domain.Layer, limit int) []domain.Memory {
	if limit <= 0 {
		return []domain.Memory{}
	}
	var pool []domain.Memory
	if layer == "" {
		pool = e.store.All()
	} else {
		pool = e.store.IterLayer(layer)
	}

	out := make([]domain.Memory, 0, len(pool))
	for _, m := range pool {
		if m.Primary() {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastAccessedAt.Equal(out[j].LastAccessedAt) {
			return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
		}
		return domain.LessID(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FindSimilar returns the primary memories nearest to id in embedding space.
func (e *RetrievalEngine) FindSimilar(ctx context.Context, id uuid.UUID, limit int) ([]SearchResult, error) {
	m, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []SearchResult{}, nil
	}
	if !embeddingsUp(ctx, e.embeddings) {
		return nil, domain.ErrEmbeddingUnavailable
	}

	vctx, cancel := context.WithTimeout(ctx, embedTimeout(e.policy))
	defer cancel()
	vec, err := e.embeddings.Vector(vctx, embeddingHandle(&m), m.Content)
	if err != nil {
		return nil, domain.ErrEmbeddingUnavailable
	}
	// Over-fetch: the index also holds merged originals and the memory itself.
	neighbors, err := e.embeddings.Nearest(vctx, vec, 2*limit+1)
	if err != nil {
		return nil, domain.ErrEmbeddingUnavailable
	}

	byHandle := make(map[string]domain.Memory)
	for _, other := range e.store.All() {
		if other.Primary() && other.ID != id {
			byHandle[embeddingHandle(&other)] = other
		}
	}

	out := make([]SearchResult, 0, limit)
	for _, n := range neighbors {
		other, ok := byHandle[n.Handle]
		if !ok {
			continue
		}
		sem := semanticScore(n.Similarity)
		out = append(out, SearchResult{
			Memory:     other,
			Relevance:  sem,
			Semantic:   sem,
			Importance: other.ImportanceScore,
		})
		if len(out) == limit {
			break
		}
	}
	sortResults(out)
	return out, nil
}

func (e *RetrievalEngine) filter(limit int, keep func(m *domain.Memory) bool) []domain.Memory {
	out := []domain.Memory{}
	if limit <= 0 {
		return out
	}
	for _, m := range e.store.All() {
		if m.Primary() && keep(&m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return domain.LessID(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
