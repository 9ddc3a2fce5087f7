package service

import (
	"context"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// uniquenessNeighbors is how many nearest neighbours Add inspects when it
// estimates uniqueness without loading the whole layer.
const uniquenessNeighbors = 16

func embeddingsUp(ctx context.Context, p domain.EmbeddingProvider) bool {
	return p != nil && p.Available(ctx)
}

// embeddingHandle is the key a memory's vector is stored under.
func embeddingHandle(m *domain.Memory) string {
	if m.EmbeddingRef != "" {
		return m.EmbeddingRef
	}
	return m.ID.String()
}

// vectorSet holds the vectors a pass has fetched so every strategy in the
// pass sees the same numbers.
type vectorSet struct {
	provider domain.EmbeddingProvider
	vecs     map[uuid.UUID][]float32
}

// loadVectors fetches vectors for the given memories with bounded
// concurrency. Memories whose vector cannot be fetched are left out; they
// score with a neutral uniqueness.
func loadVectors(ctx context.Context, p domain.EmbeddingProvider, ms []*domain.Memory, policy domain.RetrievalPolicy, batch int, logger *zap.Logger) (*vectorSet, error) {
	vs := &vectorSet{provider: p, vecs: make(map[uuid.UUID][]float32, len(ms))}
	if batch <= 0 {
		batch = len(ms)
	}

	results := make([][]float32, len(ms))
	for start := 0; start < len(ms); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batch, len(ms))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(policy.EmbedConcurrency, 1))
		for i := start; i < end; i++ {
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(gctx, embedTimeout(policy))
				defer cancel()
				vec, err := p.Vector(cctx, embeddingHandle(ms[i]), ms[i].Content)
				if err != nil {
					logger.Debug("vector unavailable", zap.String("memory_id", ms[i].ID.String()), zap.Error(err))
					return nil
				}
				results[i] = vec
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, vec := range results {
		if len(vec) > 0 {
			vs.vecs[ms[i].ID] = vec
		}
	}
	return vs, nil
}

func (vs *vectorSet) put(id uuid.UUID, vec []float32) {
	vs.vecs[id] = vec
}

func (vs *vectorSet) similarity(a, b uuid.UUID) (float64, bool) {
	va, ok := vs.vecs[a]
	if !ok {
		return 0, false
	}
	vb, ok := vs.vecs[b]
	if !ok {
		return 0, false
	}
	return vs.provider.Similarity(va, vb), true
}

// uniqueness is one minus the highest similarity to any other member of the
// same group. A member with no comparable peers is fully unique; a member
// without a vector is neutral.
func (vs *vectorSet) uniqueness(members []*domain.Memory) map[uuid.UUID]float64 {
	out := make(map[uuid.UUID]float64, len(members))
	for i, m := range members {
		if _, ok := vs.vecs[m.ID]; !ok {
			out[m.ID] = NeutralSignal
			continue
		}
		best := 0.0
		for j, other := range members {
			if i == j {
				continue
			}
			if sim, ok := vs.similarity(m.ID, other.ID); ok && sim > best {
				best = sim
			}
		}
		out[m.ID] = clamp01(1 - best)
	}
	return out
}

// nearestUniqueness estimates the uniqueness of vec among the primary
// members of a layer using the provider's nearest-neighbour search. When none
// of the inspected neighbours is in the layer, the farthest inspected similarity
// bounds the true maximum from above.
func nearestUniqueness(ctx context.Context, p domain.EmbeddingProvider, vec []float32, self string, inLayer func(handle string) bool) (float64, error) {
	neighbors, err := p.Nearest(ctx, vec, uniquenessNeighbors+1)
	if err != nil {
		return NeutralSignal, err
	}

	var considered int
	lowest := 1.0
	for _, n := range neighbors {
		if n.Handle == self {
			continue
		}
		considered++
		if inLayer(n.Handle) {
			return clamp01(1 - n.Similarity), nil
		}
		if n.Similarity < lowest {
			lowest = n.Similarity
		}
	}
	if considered < uniquenessNeighbors {
		return 1, nil
	}
	return clamp01(1 - lowest), nil
}

// semanticScore maps a cosine similarity in [-1, 1] onto [0, 1], so an
// orthogonal vector lands on the neutral value.
func semanticScore(cosine float64) float64 {
	return clamp01((cosine + 1) / 2)
}

func embedTimeout(p domain.RetrievalPolicy) time.Duration {
	if p.EmbedTimeout <= 0 {
		return 2 * time.Second
	}
	return p.EmbedTimeout
}
