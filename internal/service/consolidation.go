package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// mergeNamespace seeds merged-memory ids so the same group of originals
// always yields the same summary id.
var mergeNamespace = uuid.MustParse("0b6f1f9e-3c55-4a8e-9d0e-6a1b2f7c5d41")

// ConsolidationRequest scopes a pass. Empty Layers means every layer; empty
// Strategies means the default order.
type ConsolidationRequest struct {
	Trigger    domain.TriggerReason
	Layers     []domain.Layer
	Strategies []domain.ConsolidationStrategy
}

// ConsolidationEngine moves memories between layers, merges near-duplicates
// and flags stale working memories for pruning. A pass works on a staging
// copy and commits once, so readers never see a half-applied pass.
type ConsolidationEngine struct {
	store      *memstore.Store
	scorer     *ImportanceScorer
	embeddings domain.EmbeddingProvider
	persist    domain.PersistentStore
	policy     domain.Policy
	clock      func() time.Time
	logger     *zap.Logger
}

func NewConsolidationEngine(
	store *memstore.Store,
	embeddings domain.EmbeddingProvider,
	persist domain.PersistentStore,
	policy domain.Policy,
	clock func() time.Time,
	logger *zap.Logger,
) *ConsolidationEngine {
	return &ConsolidationEngine{
		store:      store,
		scorer:     NewImportanceScorer(policy),
		embeddings: embeddings,
		persist:    persist,
		policy:     policy,
		clock:      clock,
		logger:     logger,
	}
}

// consolidationPass is the working state of one run.
type consolidationPass struct {
	report     *domain.ConsolidationReport
	now        time.Time
	staging    map[uuid.UUID]*domain.Memory
	candidates map[uuid.UUID]struct{}
	direction  map[uuid.UUID]int
	created    map[uuid.UUID]struct{}
	touched    map[uuid.UUID]struct{}
	vectors    *vectorSet
	scores     map[uuid.UUID]float64

	promoted, demoted, eligible map[uuid.UUID]struct{}
}

// Run executes one consolidation pass. On cancellation nothing is committed
// and the returned report is marked cancelled. A persistence failure after
// commit is returned alongside the full report.
func (e *ConsolidationEngine) Run(ctx context.Context, req ConsolidationRequest) (*domain.ConsolidationReport, error) {
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	strategies, layers, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	p := &consolidationPass{
		report: &domain.ConsolidationReport{
			ID:              newPassID(now),
			Trigger:         req.Trigger,
			Strategies:      strategies,
			Promoted:        []uuid.UUID{},
			Demoted:         []uuid.UUID{},
			Merged:          []uuid.UUID{},
			MergedOriginals: []uuid.UUID{},
			PruneEligible:   []uuid.UUID{},
			StartedAt:       now,
		},
		now:        now,
		staging:    make(map[uuid.UUID]*domain.Memory),
		candidates: make(map[uuid.UUID]struct{}),
		direction:  make(map[uuid.UUID]int),
		created:    make(map[uuid.UUID]struct{}),
		touched:    make(map[uuid.UUID]struct{}),
		promoted:   make(map[uuid.UUID]struct{}),
		demoted:    make(map[uuid.UUID]struct{}),
		eligible:   make(map[uuid.UUID]struct{}),
	}

	inScope := make(map[domain.Layer]bool, len(layers))
	for _, l := range layers {
		inScope[l] = true
	}
	var primaries []*domain.Memory
	for _, m := range e.store.All() {
		rec := m
		p.staging[rec.ID] = &rec
		if inScope[rec.Layer] && rec.Primary() {
			p.candidates[rec.ID] = struct{}{}
		}
		if rec.Primary() {
			primaries = append(primaries, &rec)
		}
	}

	cancelled := func(err error) (*domain.ConsolidationReport, error) {
		p.report.Cancelled = true
		p.report.Duration = e.clock().Sub(now)
		e.logger.Info("consolidation pass cancelled", zap.String("pass_id", p.report.ID))
		return p.report, err
	}

	if embeddingsUp(ctx, e.embeddings) {
		p.vectors, err = loadVectors(ctx, e.embeddings, primaries, e.policy.Retrieval, e.policy.BatchSize, e.logger)
		if err != nil {
			return cancelled(err)
		}
	} else {
		p.report.Degraded = true
	}

	maxRounds := 2 * len(domain.AllLayers())
	for round := 0; round < maxRounds; round++ {
		changed := false
		for _, s := range strategies {
			if err := ctx.Err(); err != nil {
				return cancelled(err)
			}
			if err := e.rescore(ctx, p); err != nil {
				return cancelled(err)
			}
			var c bool
			switch s {
			case domain.StrategyMergeSimilar:
				c, err = e.mergeSimilar(ctx, p, round == 0)
			case domain.StrategyPromoteByImportance:
				c = e.promote(p)
			case domain.StrategyDemoteStale:
				c = e.demote(p)
			}
			if err != nil {
				return cancelled(err)
			}
			changed = changed || c
		}
		if !changed {
			break
		}
	}

	if err := e.rescore(ctx, p); err != nil {
		return cancelled(err)
	}
	batch := e.buildBatch(p)
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	if !batch.Empty() {
		if err := e.store.Apply(batch); err != nil {
			return nil, fmt.Errorf("commit consolidation pass: %w", err)
		}
	}
	p.report.Duration = e.clock().Sub(now)

	e.logger.Info("consolidation pass completed",
		zap.String("pass_id", p.report.ID),
		zap.String("trigger", string(p.report.Trigger)),
		zap.Int("promoted", len(p.report.Promoted)),
		zap.Int("demoted", len(p.report.Demoted)),
		zap.Int("merged", len(p.report.Merged)),
		zap.Int("prune_eligible", len(p.report.PruneEligible)),
		zap.Bool("degraded", p.report.Degraded),
	)

	e.indexCreated(ctx, p)
	if e.persist != nil && len(batch.Puts) > 0 {
		if err := e.persist.SaveAll(ctx, batch.Puts); err != nil {
			e.logger.Error("failed to persist consolidation pass", zap.String("pass_id", p.report.ID), zap.Error(err))
			return p.report, fmt.Errorf("pass %s: %w: %w", p.report.ID, domain.ErrPersistence, err)
		}
	}
	return p.report, nil
}

func (e *ConsolidationEngine) normalize(req ConsolidationRequest) ([]domain.ConsolidationStrategy, []domain.Layer, error) {
	if !domain.ValidTriggerReason(string(req.Trigger)) {
		return nil, nil, fmt.Errorf("%w: unknown trigger %q", domain.ErrInvalidInput, req.Trigger)
	}

	strategies := req.Strategies
	if len(strategies) == 0 {
		strategies = domain.DefaultConsolidationStrategies()
	}
	seen := make(map[domain.ConsolidationStrategy]bool, len(strategies))
	out := make([]domain.ConsolidationStrategy, 0, len(strategies))
	for _, s := range strategies {
		if !domain.ValidConsolidationStrategy(string(s)) {
			return nil, nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidInput, s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	layers := req.Layers
	if len(layers) == 0 {
		layers = domain.AllLayers()
	}
	for _, l := range layers {
		if !domain.ValidLayer(string(l)) {
			return nil, nil, fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidInput, l)
		}
	}
	return out, layers, nil
}

// rescore recomputes every staged importance with uniqueness taken within
// each record's current layer.
func (e *ConsolidationEngine) rescore(ctx context.Context, p *consolidationPass) error {
	byLayer := make(map[domain.Layer][]*domain.Memory)
	for _, id := range sortedIDs(p.staging) {
		m := p.staging[id]
		if m.Primary() {
			byLayer[m.Layer] = append(byLayer[m.Layer], m)
		}
	}

	scores := make(map[uuid.UUID]float64, len(p.staging))
	scored := 0
	for _, l := range domain.AllLayers() {
		members := byLayer[l]
		var uniq map[uuid.UUID]float64
		if p.vectors != nil {
			uniq = p.vectors.uniqueness(members)
		}
		for _, m := range members {
			u := NeutralSignal
			if v, ok := uniq[m.ID]; ok {
				u = v
			}
			scores[m.ID] = e.scorer.Score(m, ScoreContext{Now: p.now, Uniqueness: u}).FinalScore
			scored++
			if e.policy.BatchSize > 0 && scored%e.policy.BatchSize == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
	}
	for id, m := range p.staging {
		if !m.Primary() {
			scores[id] = e.scorer.Score(m, NeutralContext(p.now)).FinalScore
		}
	}
	p.scores = scores
	return nil
}

// promote moves candidates at or above their layer's threshold one layer up,
// highest score first. There is no per-pass cap: a capped pass would leave
// eligible memories for the next pass and never settle.
func (e *ConsolidationEngine) promote(p *consolidationPass) bool {
	changed := false
	// Scores were computed for the source layer; a record that just moved is
	// reconsidered next round with a fresh score.
	moved := make(map[uuid.UUID]bool)
	for _, l := range domain.AllLayers() {
		next, ok := l.Next()
		if !ok {
			continue
		}
		lp := e.policy.Layer(l)
		if lp.PromoteThreshold <= 0 {
			continue
		}

		members := p.layerCandidates(l)
		var eligible []*domain.Memory
		for _, m := range members {
			if p.direction[m.ID] < 0 || moved[m.ID] {
				continue
			}
			if p.scores[m.ID] >= lp.PromoteThreshold {
				eligible = append(eligible, m)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			si, sj := p.scores[eligible[i].ID], p.scores[eligible[j].ID]
			if si != sj {
				return si > sj
			}
			return domain.LessID(eligible[i].ID, eligible[j].ID)
		})

		for _, m := range eligible {
			p.move(m, next, "promote_by_importance")
			p.direction[m.ID] = 1
			moved[m.ID] = true
			if _, dup := p.promoted[m.ID]; !dup {
				p.promoted[m.ID] = struct{}{}
				p.report.Promoted = append(p.report.Promoted, m.ID)
			}
			changed = true
		}
	}
	return changed
}

// demote moves candidates below their layer's floor one layer down. Working
// memories cannot go lower and are reported as prune-eligible instead.
func (e *ConsolidationEngine) demote(p *consolidationPass) bool {
	changed := false
	for _, l := range domain.AllLayers() {
		floor := e.policy.Layer(l).DemoteFloor
		if floor <= 0 {
			continue
		}
		prev, hasPrev := l.Prev()
		for _, m := range p.layerCandidates(l) {
			if p.scores[m.ID] >= floor {
				continue
			}
			if !hasPrev {
				if _, dup := p.eligible[m.ID]; !dup {
					p.eligible[m.ID] = struct{}{}
					p.report.PruneEligible = append(p.report.PruneEligible, m.ID)
				}
				continue
			}
			if p.direction[m.ID] > 0 {
				continue
			}
			p.move(m, prev, "demote_stale")
			p.direction[m.ID] = -1
			if _, dup := p.demoted[m.ID]; !dup {
				p.demoted[m.ID] = struct{}{}
				p.report.Demoted = append(p.report.Demoted, m.ID)
			}
			changed = true
		}
	}
	return changed
}

// mergeSimilar collapses groups of near-duplicate memories in the same layer
// into one summary. Groups form by single-link clustering: a memory joins a
// group when it is at least MergeThreshold similar to any member.
func (e *ConsolidationEngine) mergeSimilar(ctx context.Context, p *consolidationPass, firstRound bool) (bool, error) {
	if p.vectors == nil {
		if firstRound {
			p.report.Skipped = append(p.report.Skipped, domain.SkippedStrategy{
				Strategy: domain.StrategyMergeSimilar,
				Reason:   domain.ErrEmbeddingUnavailable.Error(),
			})
		}
		return false, nil
	}

	changed := false
	for _, l := range domain.AllLayers() {
		members := p.layerCandidates(l)
		if len(members) < 2 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			si, sj := p.scores[members[i].ID], p.scores[members[j].ID]
			if si != sj {
				return si > sj
			}
			return domain.LessID(members[i].ID, members[j].ID)
		})

		for _, group := range e.clusters(p, members) {
			if err := ctx.Err(); err != nil {
				return changed, err
			}
			ok, err := e.mergeGroup(ctx, p, l, group)
			if err != nil {
				return changed, err
			}
			changed = changed || ok
		}
	}
	return changed, nil
}

func (e *ConsolidationEngine) clusters(p *consolidationPass, members []*domain.Memory) [][]*domain.Memory {
	assigned := make(map[uuid.UUID]bool, len(members))
	var groups [][]*domain.Memory
	for _, seed := range members {
		if assigned[seed.ID] {
			continue
		}
		if _, ok := p.vectors.vecs[seed.ID]; !ok {
			continue
		}
		assigned[seed.ID] = true
		group := []*domain.Memory{seed}
		for i := 0; i < len(group); i++ {
			for _, other := range members {
				if assigned[other.ID] {
					continue
				}
				sim, ok := p.vectors.similarity(group[i].ID, other.ID)
				if ok && sim >= e.policy.MergeThreshold {
					assigned[other.ID] = true
					group = append(group, other)
				}
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// mergeGroup builds the summary for one group, ordered most important first.
// The originals stay in place, marked as merged, so their history survives.
func (e *ConsolidationEngine) mergeGroup(ctx context.Context, p *consolidationPass, layer domain.Layer, group []*domain.Memory) (bool, error) {
	ids := make([]uuid.UUID, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return domain.LessID(sorted[i], sorted[j]) })
	var seed []byte
	for _, id := range sorted {
		seed = append(seed, id[:]...)
	}
	summaryID := uuid.NewSHA1(mergeNamespace, seed)

	contents := make([]string, len(group))
	for i, m := range group {
		contents[i] = m.Content
	}
	content := mergeContent(contents)

	ectx, cancel := context.WithTimeout(ctx, embedTimeout(e.policy.Retrieval))
	vec, err := e.embeddings.Embed(ectx, content)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.logger.Warn("skip merge, summary could not be embedded", zap.Int("group_size", len(group)), zap.Error(err))
		p.report.Degraded = true
		return false, nil
	}

	summary := &domain.Memory{
		ID:             summaryID,
		Content:        content,
		Layer:          layer,
		Source:         group[0].Source,
		CreatedAt:      group[0].CreatedAt,
		UpdatedAt:      p.now,
		LastAccessedAt: group[0].LastAccessedAt,
		EmbeddingRef:   summaryID.String(),
		Verification:   domain.VerificationUnverified,
		Metadata:       map[string]string{"merged_count": strconv.Itoa(len(group))},
	}

	var sentimentSum float64
	var sentimentN int
	entityGroups := make([][]domain.Entity, 0, len(group))
	topicGroups := make([][]string, 0, len(group))
	inGroup := make(map[uuid.UUID]bool, len(group))
	for _, m := range group {
		inGroup[m.ID] = true
	}
	for _, m := range group {
		if m.Source.Rank() > summary.Source.Rank() {
			summary.Source = m.Source
		}
		if m.CreatedAt.Before(summary.CreatedAt) {
			summary.CreatedAt = m.CreatedAt
		}
		if m.LastAccessedAt.After(summary.LastAccessedAt) {
			summary.LastAccessedAt = m.LastAccessedAt
		}
		summary.AccessCount += m.AccessCount
		if m.Verification == domain.VerificationConfirmed {
			summary.Verification = domain.VerificationConfirmed
		}
		if m.Sentiment != nil {
			sentimentSum += m.Sentiment.Score
			sentimentN++
		}
		entityGroups = append(entityGroups, m.Entities)
		topicGroups = append(topicGroups, m.Topics)
		for _, a := range m.Associations {
			if inGroup[a.TargetID] || a.Type == domain.AssociationMergedFrom {
				continue
			}
			if !summary.HasAssociation(a.TargetID, a.Type) {
				summary.Associations = append(summary.Associations, a)
			}
		}
	}
	summary.Entities = unionEntities(entityGroups...)
	summary.Topics = unionStrings(topicGroups...)
	if sentimentN > 0 {
		summary.Sentiment = sentimentFromScore(sentimentSum / float64(sentimentN))
	}
	for _, id := range ids {
		summary.Associations = append(summary.Associations, domain.Association{TargetID: id, Type: domain.AssociationMergedFrom})
	}

	p.staging[summaryID] = summary
	p.candidates[summaryID] = struct{}{}
	p.created[summaryID] = struct{}{}
	p.touched[summaryID] = struct{}{}
	p.vectors.put(summaryID, vec)
	for _, m := range group {
		m.MergedInto = &summaryID
		m.UpdatedAt = p.now
		p.touched[m.ID] = struct{}{}
	}

	p.report.Merged = append(p.report.Merged, summaryID)
	p.report.MergedOriginals = append(p.report.MergedOriginals, ids...)
	return true, nil
}

func sentimentFromScore(score float64) *domain.Sentiment {
	label := "neutral"
	switch {
	case score > 0:
		label = "positive"
	case score < 0:
		label = "negative"
	}
	return &domain.Sentiment{Score: score, Label: label}
}

// buildBatch collects every staged record that differs from the store.
func (e *ConsolidationEngine) buildBatch(p *consolidationPass) memstore.Batch {
	var b memstore.Batch
	for _, id := range sortedIDs(p.staging) {
		m := p.staging[id]
		score := p.scores[id]
		_, touched := p.touched[id]
		if !touched && m.ImportanceScore == score {
			continue
		}
		m.ImportanceScore = score
		b.Puts = append(b.Puts, m.Clone())
	}
	return b
}

// indexCreated stores vectors for merged summaries. Failures only cost
// recall quality; the summary embeds on demand later.
func (e *ConsolidationEngine) indexCreated(ctx context.Context, p *consolidationPass) {
	for id := range p.created {
		m := p.staging[id]
		if !m.Primary() {
			continue
		}
		ictx, cancel := context.WithTimeout(ctx, embedTimeout(e.policy.Retrieval))
		if err := e.embeddings.Index(ictx, embeddingHandle(m), m.Content); err != nil {
			e.logger.Warn("failed to index merged memory", zap.String("memory_id", id.String()), zap.Error(err))
		}
		cancel()
	}
}

func (p *consolidationPass) move(m *domain.Memory, to domain.Layer, reason string) {
	p.report.Transitions = append(p.report.Transitions, domain.LayerTransition{
		MemoryID:   m.ID,
		From:       m.Layer,
		To:         to,
		Score:      p.scores[m.ID],
		Reason:     reason,
		OccurredAt: p.now,
	})
	m.Layer = to
	m.UpdatedAt = p.now
	p.touched[m.ID] = struct{}{}
}

// layerCandidates returns the primary candidates currently staged in l,
// ordered by id.
func (p *consolidationPass) layerCandidates(l domain.Layer) []*domain.Memory {
	var out []*domain.Memory
	for _, id := range sortedIDs(p.staging) {
		m := p.staging[id]
		if m.Layer != l || !m.Primary() {
			continue
		}
		if _, ok := p.candidates[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func sortedIDs(ms map[uuid.UUID]*domain.Memory) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(ms))
	for id := range ms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return domain.LessID(ids[i], ids[j]) })
	return ids
}

// newPassID returns a time-ordered id for a pass report.
func newPassID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()
}
