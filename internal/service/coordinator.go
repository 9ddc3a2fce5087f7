package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/Harshitk-cp/memtier/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Harshitk-cp/memtier/internal/service")

// Options wires a Coordinator. Persistence and Embeddings may be nil: the
// system then runs memory-only and lexical-only respectively.
type Options struct {
	Persistence domain.PersistentStore
	Embeddings  domain.EmbeddingProvider
	Policy      domain.Policy
	Clock       func() time.Time
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// LinkedMemory is an association resolved to its target.
type LinkedMemory struct {
	Type   domain.AssociationType `json:"type"`
	Memory domain.Memory          `json:"memory"`
}

// Coordinator is the single entry point callers use. It serializes writers
// against each other while letting searches run concurrently: reads take the
// shared side of the gate, writes and passes take the exclusive side.
type Coordinator struct {
	gate sync.RWMutex

	store         *memstore.Store
	manager       *MemoryManager
	retrieval     *RetrievalEngine
	consolidation *ConsolidationEngine
	pruning       *PruningEngine
	reflection    *ReflectionEngine

	embeddings domain.EmbeddingProvider
	policy     domain.Policy
	clock      func() time.Time
	metrics    *metrics.Collector
	logger     *zap.Logger

	triggers chan domain.TriggerReason

	// passRunning is set for the length of a consolidation, pruning or
	// reflection pass. Passes already serialize on gate, so seeing it set
	// means that invariant broke.
	passRunning atomic.Bool

	// guarded by gate
	lastConsolidation *time.Time
	lastPruning       *time.Time
	lastReflection    *time.Time
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	store := memstore.New()
	c := &Coordinator{
		store:         store,
		manager:       NewMemoryManager(store, opts.Embeddings, opts.Persistence, opts.Policy, opts.Clock, opts.Logger),
		retrieval:     NewRetrievalEngine(store, opts.Embeddings, opts.Policy, opts.Logger),
		consolidation: NewConsolidationEngine(store, opts.Embeddings, opts.Persistence, opts.Policy, opts.Clock, opts.Logger),
		pruning:       NewPruningEngine(store, opts.Embeddings, opts.Persistence, opts.Policy, opts.Clock, opts.Logger),
		reflection:    NewReflectionEngine(store, opts.Embeddings, opts.Persistence, opts.Policy, opts.Clock, opts.Logger),
		embeddings:    opts.Embeddings,
		policy:        opts.Policy,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		triggers:      make(chan domain.TriggerReason, 1),
	}
	return c, nil
}

// Triggers delivers a reason each time an insert pushes a layer over its
// consolidation threshold. Signals are coalesced while one is pending.
func (c *Coordinator) Triggers() <-chan domain.TriggerReason {
	return c.triggers
}

// Load restores durable records into memory.
func (c *Coordinator) Load(ctx context.Context) (int, error) {
	c.gate.Lock()
	defer c.gate.Unlock()
	n, err := c.manager.Load(ctx)
	c.refreshLayerGauges()
	return n, err
}

func (c *Coordinator) AddMemory(ctx context.Context, content string, source domain.Source, metadata map[string]string) (uuid.UUID, error) {
	m, err := c.Add(ctx, AddRequest{Content: content, Source: source, Metadata: metadata})
	return m.ID, err
}

// Add stores a memory and signals the scheduler when the memory's layer
// crosses its consolidation threshold.
func (c *Coordinator) Add(ctx context.Context, req AddRequest) (domain.Memory, error) {
	ctx, span := tracer.Start(ctx, "memory.add",
		trace.WithAttributes(attribute.String("source", string(req.Source))))
	defer span.End()

	c.gate.Lock()
	m, err := c.manager.Add(ctx, req)
	var crossed bool
	if m.ID != uuid.Nil {
		after := c.store.CountByLayer()[m.Layer]
		threshold := c.policy.Layer(m.Layer).ConsolidationThreshold
		crossed = threshold > 0 && after == threshold
		c.refreshLayerGauges()
	}
	c.gate.Unlock()

	if m.ID != uuid.Nil {
		span.SetAttributes(attribute.String("memory.id", m.ID.String()), attribute.String("memory.layer", string(m.Layer)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if crossed {
		c.signal(domain.TriggerThresholdReached, m.Layer)
	}
	return m, err
}

func (c *Coordinator) signal(reason domain.TriggerReason, layer domain.Layer) {
	select {
	case c.triggers <- reason:
		c.logger.Info("consolidation threshold reached", zap.String("layer", string(layer)))
	default:
	}
}

func (c *Coordinator) GetMemory(ctx context.Context, id uuid.UUID) (domain.Memory, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.store.Get(id)
}

func (c *Coordinator) UpdateMemory(ctx context.Context, id uuid.UUID, req UpdateRequest) (domain.Memory, error) {
	ctx, span := tracer.Start(ctx, "memory.update", trace.WithAttributes(attribute.String("memory.id", id.String())))
	defer span.End()

	c.gate.Lock()
	defer c.gate.Unlock()
	m, err := c.manager.Update(ctx, id, req)
	if err != nil {
		span.RecordError(err)
	}
	return m, err
}

func (c *Coordinator) RemoveMemory(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "memory.remove", trace.WithAttributes(attribute.String("memory.id", id.String())))
	defer span.End()

	c.gate.Lock()
	defer c.gate.Unlock()
	err := c.manager.Remove(ctx, id)
	if err != nil {
		span.RecordError(err)
	}
	c.refreshLayerGauges()
	return err
}

func (c *Coordinator) Associate(ctx context.Context, from, to uuid.UUID, t domain.AssociationType) error {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.manager.Associate(ctx, from, to, t)
}

// Associations resolves a memory's live edges to their targets.
func (c *Coordinator) Associations(ctx context.Context, id uuid.UUID) ([]LinkedMemory, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	edges, err := c.store.Associations(id)
	if err != nil {
		return nil, err
	}
	out := make([]LinkedMemory, 0, len(edges))
	for _, e := range edges {
		m, err := c.store.Get(e.TargetID)
		if err != nil {
			continue
		}
		out = append(out, LinkedMemory{Type: e.Type, Memory: m})
	}
	return out, nil
}

func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return c.SearchWith(ctx, query, limit, SearchFilter{})
}

// SearchWith ranks under the shared gate, then records access under the
// exclusive gate so ranking never blocks other readers.
func (c *Coordinator) SearchWith(ctx context.Context, query string, limit int, f SearchFilter) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "memory.search",
		trace.WithAttributes(attribute.Int("limit", limit), attribute.Int("offset", f.Offset)))
	defer span.End()

	start := time.Now()
	c.gate.RLock()
	results, err := c.retrieval.RankWith(ctx, query, limit, f)
	c.gate.RUnlock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var degraded bool
	if len(results) == 0 {
		degraded = !embeddingsUp(ctx, c.embeddings)
	} else {
		degraded = results[0].Degraded
		c.gate.Lock()
		results = c.retrieval.RecordAccess(results, c.clock())
		c.gate.Unlock()
	}

	span.SetAttributes(attribute.Int("results", len(results)), attribute.Bool("degraded", degraded))
	if c.metrics != nil {
		c.metrics.RecordSearch(degraded, time.Since(start))
	}
	if len(results) > 0 {
		c.persistAccess(ctx, results)
	}
	return results, nil
}

// persistAccess writes access bookkeeping back to durable storage. A
// failure is logged; the search itself already succeeded.
func (c *Coordinator) persistAccess(ctx context.Context, results []SearchResult) {
	if c.manager.persist == nil {
		return
	}
	ms := make([]domain.Memory, len(results))
	for i, r := range results {
		ms[i] = r.Memory
	}
	if err := c.manager.persist.SaveAll(ctx, ms); err != nil {
		c.logger.Warn("failed to persist access updates", zap.Int("count", len(ms)), zap.Error(err))
	}
}

func (c *Coordinator) SearchByEntity(ctx context.Context, entity string, limit int) []domain.Memory {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.retrieval.SearchByEntity(entity, limit)
}

func (c *Coordinator) SearchByTopic(ctx context.Context, topic string, limit int) []domain.Memory {
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.retrieval.SearchByTopic(topic, limit)
}

func (c *Coordinator) RecentContext(ctx context.Context, layer domain.Layer, limit int) ([]domain.Memory, error) {
	if layer != "" && !domain.ValidLayer(string(layer)) {
		return nil, ErrInvalidLayer
	}
	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.retrieval.RecentContext(layer, limit), nil
}

func (c *Coordinator) FindSimilar(ctx context.Context, id uuid.UUID, limit int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "memory.find_similar", trace.WithAttributes(attribute.String("memory.id", id.String())))
	defer span.End()

	c.gate.RLock()
	defer c.gate.RUnlock()
	return c.retrieval.FindSimilar(ctx, id, limit)
}

func (c *Coordinator) Consolidate(ctx context.Context, reason domain.TriggerReason) (*domain.ConsolidationReport, error) {
	return c.ConsolidateWith(ctx, ConsolidationRequest{Trigger: reason})
}

// ConsolidateWith runs one pass while holding the exclusive gate, so no
// search or insert observes an intermediate state.
func (c *Coordinator) ConsolidateWith(ctx context.Context, req ConsolidationRequest) (*domain.ConsolidationReport, error) {
	ctx, span := tracer.Start(ctx, "memory.consolidate",
		trace.WithAttributes(attribute.String("trigger", string(req.Trigger))))
	defer span.End()

	start := time.Now()
	var report *domain.ConsolidationReport
	err := c.exclusivePass("consolidation", func() error {
		var err error
		report, err = c.consolidation.Run(ctx, req)
		if report != nil && !report.Cancelled {
			at := report.StartedAt
			c.lastConsolidation = &at
		}
		return err
	})

	if report != nil {
		span.SetAttributes(
			attribute.String("pass.id", report.ID),
			attribute.Int("pass.changes", report.Changes()),
			attribute.Bool("pass.degraded", report.Degraded),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.metrics != nil {
		trigger := string(req.Trigger)
		if trigger == "" {
			trigger = string(domain.TriggerManual)
		}
		changes := 0
		if report != nil {
			changes = report.Changes()
		}
		c.metrics.RecordPass("consolidation", trigger, passOutcome(report != nil && report.Cancelled, err), time.Since(start), changes)
	}
	return report, err
}

func (c *Coordinator) Prune(ctx context.Context, strategy domain.PruneStrategy) (*domain.PruningReport, error) {
	return c.PruneWith(ctx, PruneRequest{Strategy: strategy})
}

func (c *Coordinator) PruneWith(ctx context.Context, req PruneRequest) (*domain.PruningReport, error) {
	ctx, span := tracer.Start(ctx, "memory.prune",
		trace.WithAttributes(attribute.String("strategy", string(req.Strategy))))
	defer span.End()

	start := time.Now()
	var report *domain.PruningReport
	err := c.exclusivePass("pruning", func() error {
		var err error
		report, err = c.pruning.Run(ctx, req)
		if report != nil {
			at := report.StartedAt
			c.lastPruning = &at
		}
		return err
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if report != nil {
		span.SetAttributes(attribute.String("pass.id", report.ID), attribute.Int("pass.evicted", len(report.Evicted)))
	}
	if c.metrics != nil {
		changes := 0
		if report != nil {
			changes = len(report.Evicted)
			for l, n := range report.EvictedByLayer {
				c.metrics.RecordEvictions(string(l), n)
			}
		}
		c.metrics.RecordPass("pruning", string(req.Strategy), passOutcome(false, err), time.Since(start), changes)
	}
	return report, err
}

// Reflect derives theme and contradiction insights into the reflective layer.
func (c *Coordinator) Reflect(ctx context.Context) (*domain.ReflectionReport, error) {
	ctx, span := tracer.Start(ctx, "memory.reflect")
	defer span.End()

	start := time.Now()
	var report *domain.ReflectionReport
	err := c.exclusivePass("reflection", func() error {
		var err error
		report, err = c.reflection.Run(ctx)
		if report != nil {
			at := report.StartedAt
			c.lastReflection = &at
		}
		return err
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	changes := 0
	if report != nil {
		changes = report.Changes()
		span.SetAttributes(attribute.String("pass.id", report.ID), attribute.Int("pass.changes", changes))
	}
	if c.metrics != nil {
		c.metrics.RecordPass("reflection", string(domain.TriggerManual), passOutcome(false, err), time.Since(start), changes)
	}
	return report, err
}

// exclusivePass runs one pass under the exclusive gate.
func (c *Coordinator) exclusivePass(kind string, run func() error) error {
	c.gate.Lock()
	defer c.gate.Unlock()
	if !c.passRunning.CompareAndSwap(false, true) {
		c.logger.Error("pass started while another was running", zap.String("pass", kind))
		return domain.ErrConsolidationConflict
	}
	defer c.passRunning.Store(false)

	err := run()
	c.refreshLayerGauges()
	return err
}

func passOutcome(cancelled bool, err error) string {
	switch {
	case cancelled || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "error"
	}
	return "ok"
}

// GetStats reports per-layer counts and pass history.
func (c *Coordinator) GetStats(ctx context.Context) domain.Stats {
	c.gate.RLock()
	defer c.gate.RUnlock()

	stats := domain.Stats{
		Layers:              c.store.CountByLayer(),
		EmbeddingsAvailable: embeddingsUp(ctx, c.embeddings),
	}
	var sum float64
	for _, m := range c.store.All() {
		stats.Total++
		if m.Primary() {
			stats.Primary++
			sum += m.ImportanceScore
		}
	}
	if stats.Primary > 0 {
		stats.AverageImportance = sum / float64(stats.Primary)
	}
	if c.lastConsolidation != nil {
		t := *c.lastConsolidation
		stats.LastConsolidation = &t
	}
	if c.lastPruning != nil {
		t := *c.lastPruning
		stats.LastPruning = &t
	}
	if c.lastReflection != nil {
		t := *c.lastReflection
		stats.LastReflection = &t
	}
	return stats
}

// Flush writes every in-memory record to durable storage.
func (c *Coordinator) Flush(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "memory.flush")
	defer span.End()

	c.gate.Lock()
	defer c.gate.Unlock()
	if err := c.manager.Flush(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// caller holds the gate
func (c *Coordinator) refreshLayerGauges() {
	if c.metrics == nil {
		return
	}
	for l, n := range c.store.CountByLayer() {
		c.metrics.SetLayerSize(string(l), n)
	}
}
