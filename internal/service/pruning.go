package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PruneRequest scopes an eviction pass. IDs is only read by the manual
// strategy; Layers limits the capacity and retention strategies.
type PruneRequest struct {
	Strategy domain.PruneStrategy
	Layers   []domain.Layer
	IDs      []uuid.UUID
}

// PruningEngine evicts memories. Eviction removes a record from memory,
// durable storage and the vector index; only the in-memory removal is
// required to succeed.
type PruningEngine struct {
	store      *memstore.Store
	scorer     *ImportanceScorer
	embeddings domain.EmbeddingProvider
	persist    domain.PersistentStore
	policy     domain.Policy
	clock      func() time.Time
	logger     *zap.Logger
}

func NewPruningEngine(
	store *memstore.Store,
	embeddings domain.EmbeddingProvider,
	persist domain.PersistentStore,
	policy domain.Policy,
	clock func() time.Time,
	logger *zap.Logger,
) *PruningEngine {
	return &PruningEngine{
		store:      store,
		scorer:     NewImportanceScorer(policy),
		embeddings: embeddings,
		persist:    persist,
		policy:     policy,
		clock:      clock,
		logger:     logger,
	}
}

func (e *PruningEngine) Run(ctx context.Context, req PruneRequest) (*domain.PruningReport, error) {
	if !domain.ValidPruneStrategy(string(req.Strategy)) {
		return nil, fmt.Errorf("%w: unknown prune strategy %q", domain.ErrInvalidInput, req.Strategy)
	}
	layers := req.Layers
	if len(layers) == 0 {
		layers = domain.AllLayers()
	}
	for _, l := range layers {
		if !domain.ValidLayer(string(l)) {
			return nil, fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidInput, l)
		}
	}

	now := e.clock()
	report := &domain.PruningReport{
		ID:             newPassID(now),
		Strategy:       req.Strategy,
		Evicted:        []uuid.UUID{},
		EvictedByLayer: make(map[domain.Layer]int),
		StartedAt:      now,
	}

	var batch memstore.Batch
	var err error
	switch req.Strategy {
	case domain.PruneCapacityBound:
		batch, err = e.capacityBound(ctx, layers, now)
	case domain.PruneRetentionWindow:
		batch, err = e.retentionWindow(ctx, layers, now)
	case domain.PruneLeastRecentlyUsed:
		batch, err = e.trimOverCapacity(ctx, layers, leastRecentlyUsed)
	case domain.PruneLowFrequency:
		batch, err = e.trimOverCapacity(ctx, layers, leastFrequentlyUsed)
	case domain.PruneManual:
		batch, report.Missing = e.manual(req.IDs)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report.Released = releaseOriginals(&batch, e.store.All(), now)

	var evicted []domain.Memory
	for _, id := range batch.Removes {
		if m, err := e.store.Get(id); err == nil {
			evicted = append(evicted, m)
		}
	}
	if !batch.Empty() {
		if err := e.store.Apply(batch); err != nil {
			return nil, fmt.Errorf("commit pruning pass: %w", err)
		}
	}
	for _, m := range evicted {
		report.Evicted = append(report.Evicted, m.ID)
		report.EvictedByLayer[m.Layer]++
	}

	report.ExternalFailures = e.cleanup(ctx, evicted)
	report.Duration = e.clock().Sub(now)

	e.logger.Info("pruning pass completed",
		zap.String("pass_id", report.ID),
		zap.String("strategy", string(report.Strategy)),
		zap.Int("evicted", len(report.Evicted)),
		zap.Int("missing", len(report.Missing)),
		zap.Int("released", len(report.Released)),
		zap.Int("external_failures", report.ExternalFailures),
	)

	if e.persist != nil && len(batch.Puts) > 0 {
		if err := e.persist.SaveAll(ctx, batch.Puts); err != nil {
			e.logger.Error("failed to persist rescored memories", zap.String("pass_id", report.ID), zap.Error(err))
			return report, fmt.Errorf("pass %s: %w: %w", report.ID, domain.ErrPersistence, err)
		}
	}
	return report, nil
}

// capacityBound trims each over-capacity layer down to its target fill,
// evicting the lowest importance first. Ties go to the least recently
// accessed, then to the larger id. Survivors keep their fresh scores.
func (e *PruningEngine) capacityBound(ctx context.Context, layers []domain.Layer, now time.Time) (memstore.Batch, error) {
	var batch memstore.Batch
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		lp := e.policy.Layer(l)
		members := e.store.IterLayer(l)
		if lp.Capacity <= 0 || len(members) <= lp.Capacity {
			continue
		}

		ptrs := make([]*domain.Memory, len(members))
		for i := range members {
			ptrs[i] = &members[i]
		}
		uniq := e.layerUniqueness(ctx, ptrs)

		scores := make(map[uuid.UUID]float64, len(members))
		for i, m := range ptrs {
			u := NeutralSignal
			if v, ok := uniq[m.ID]; ok {
				u = v
			}
			scores[m.ID] = e.scorer.Score(m, ScoreContext{Now: now, Uniqueness: u}).FinalScore
			if e.policy.BatchSize > 0 && (i+1)%e.policy.BatchSize == 0 {
				if err := ctx.Err(); err != nil {
					return batch, err
				}
			}
		}

		sort.SliceStable(ptrs, func(i, j int) bool {
			a, b := ptrs[i], ptrs[j]
			if scores[a.ID] != scores[b.ID] {
				return scores[a.ID] < scores[b.ID]
			}
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			}
			return domain.LessID(b.ID, a.ID)
		})

		evict := len(ptrs) - lp.TargetCount()
		for i, m := range ptrs {
			if i < evict {
				batch.Removes = append(batch.Removes, m.ID)
				continue
			}
			if m.ImportanceScore != scores[m.ID] {
				m.ImportanceScore = scores[m.ID]
				batch.Puts = append(batch.Puts, *m)
			}
		}
		e.logger.Debug("layer over capacity",
			zap.String("layer", string(l)),
			zap.Int("size", len(members)),
			zap.Int("capacity", lp.Capacity),
			zap.Int("evicting", evict),
		)
	}
	return batch, nil
}

func (e *PruningEngine) layerUniqueness(ctx context.Context, members []*domain.Memory) map[uuid.UUID]float64 {
	if !embeddingsUp(ctx, e.embeddings) {
		return nil
	}
	var primaries []*domain.Memory
	for _, m := range members {
		if m.Primary() {
			primaries = append(primaries, m)
		}
	}
	vs, err := loadVectors(ctx, e.embeddings, primaries, e.policy.Retrieval, e.policy.BatchSize, e.logger)
	if err != nil {
		return nil
	}
	return vs.uniqueness(primaries)
}

func leastRecentlyUsed(a, b *domain.Memory) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	return domain.LessID(a.ID, b.ID)
}

func leastFrequentlyUsed(a, b *domain.Memory) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return leastRecentlyUsed(a, b)
}

// trimOverCapacity trims each over-capacity layer down to its target fill
// like capacityBound, but ranks by evictFirst instead of importance.
// Confirmed memories are never chosen.
func (e *PruningEngine) trimOverCapacity(ctx context.Context, layers []domain.Layer, evictFirst func(a, b *domain.Memory) bool) (memstore.Batch, error) {
	var batch memstore.Batch
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		lp := e.policy.Layer(l)
		members := e.store.IterLayer(l)
		if lp.Capacity <= 0 || len(members) <= lp.Capacity {
			continue
		}
		var candidates []*domain.Memory
		for i := range members {
			if members[i].Verification != domain.VerificationConfirmed {
				candidates = append(candidates, &members[i])
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return evictFirst(candidates[i], candidates[j])
		})
		evict := min(len(members)-lp.TargetCount(), len(candidates))
		for _, m := range candidates[:evict] {
			batch.Removes = append(batch.Removes, m.ID)
		}
	}
	return batch, nil
}

// retentionWindow evicts memories older than their layer's retention.
// Confirmed memories are kept regardless of age.
func (e *PruningEngine) retentionWindow(ctx context.Context, layers []domain.Layer, now time.Time) (memstore.Batch, error) {
	var batch memstore.Batch
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		retention := e.policy.Layer(l).Retention
		if retention <= 0 {
			continue
		}
		for _, m := range e.store.IterLayer(l) {
			if m.Verification == domain.VerificationConfirmed {
				continue
			}
			if now.Sub(m.CreatedAt) > retention {
				batch.Removes = append(batch.Removes, m.ID)
			}
		}
	}
	return batch, nil
}

func (e *PruningEngine) manual(ids []uuid.UUID) (memstore.Batch, []uuid.UUID) {
	var batch memstore.Batch
	var missing []uuid.UUID
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := e.store.Get(id); err != nil {
			missing = append(missing, id)
			continue
		}
		batch.Removes = append(batch.Removes, id)
	}
	return batch, missing
}

// releaseOriginals makes the originals of every summary in b.Removes primary
// again, in the same batch, so merged content stays searchable once its
// summary is gone. Originals that are themselves being removed are left out.
func releaseOriginals(b *memstore.Batch, all []domain.Memory, now time.Time) []uuid.UUID {
	if len(b.Removes) == 0 {
		return nil
	}
	removing := make(map[uuid.UUID]struct{}, len(b.Removes))
	for _, id := range b.Removes {
		removing[id] = struct{}{}
	}
	puts := make(map[uuid.UUID]int, len(b.Puts))
	for i := range b.Puts {
		puts[b.Puts[i].ID] = i
	}

	var released []uuid.UUID
	for _, m := range all {
		if m.MergedInto == nil {
			continue
		}
		if _, gone := removing[*m.MergedInto]; !gone {
			continue
		}
		if _, gone := removing[m.ID]; gone {
			continue
		}
		if i, ok := puts[m.ID]; ok {
			b.Puts[i].MergedInto = nil
			b.Puts[i].UpdatedAt = now
		} else {
			m.MergedInto = nil
			m.UpdatedAt = now
			b.Puts = append(b.Puts, m)
		}
		released = append(released, m.ID)
	}
	return released
}

// cleanup removes evicted memories from durable storage and the vector
// index. It returns how many of those removals failed.
func (e *PruningEngine) cleanup(ctx context.Context, evicted []domain.Memory) int {
	failures := 0
	for _, m := range evicted {
		if e.persist != nil {
			if err := e.persist.Delete(ctx, m.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				failures++
				e.logger.Warn("failed to delete evicted memory from storage",
					zap.String("memory_id", m.ID.String()), zap.Error(err))
			}
		}
		if embeddingsUp(ctx, e.embeddings) {
			if err := e.embeddings.Remove(ctx, embeddingHandle(&m)); err != nil {
				failures++
				e.logger.Warn("failed to remove evicted embedding",
					zap.String("memory_id", m.ID.String()), zap.Error(err))
			}
		}
	}
	return failures
}
