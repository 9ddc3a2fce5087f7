package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reflectionNamespace seeds insight ids, so rerunning reflection over the
// same memories refreshes an insight instead of duplicating it.
var reflectionNamespace = uuid.MustParse("6c3e2a0d-9f41-4b7a-8e52-1d0c7b9a4f13")

const (
	// minThemeSupport is how many memories must share a topic before it
	// becomes a theme.
	minThemeSupport = 3
	// contradictionOverlap is the Jaccard overlap of content terms, negations
	// aside, above which a negated and a plain statement contradict.
	contradictionOverlap = 0.6

	metaKind       = "kind"
	metaInsight    = "insight"
	metaTheme      = "theme"
	metaSupport    = "support"
	kindReflection = "reflection"
)

var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "cannot": {}, "can't": {}, "don't": {}, "doesn't": {},
	"didn't": {}, "isn't": {}, "aren't": {}, "wasn't": {}, "weren't": {}, "won't": {},
}

// ReflectionEngine derives insights from the memories as a whole: topics
// many memories keep returning to, and pairs of memories that say opposite
// things. Insights are stored as system memories in the reflective layer.
type ReflectionEngine struct {
	store      *memstore.Store
	scorer     *ImportanceScorer
	embeddings domain.EmbeddingProvider
	persist    domain.PersistentStore
	policy     domain.Policy
	clock      func() time.Time
	logger     *zap.Logger
}

func NewReflectionEngine(
	store *memstore.Store,
	embeddings domain.EmbeddingProvider,
	persist domain.PersistentStore,
	policy domain.Policy,
	clock func() time.Time,
	logger *zap.Logger,
) *ReflectionEngine {
	return &ReflectionEngine{
		store:      store,
		scorer:     NewImportanceScorer(policy),
		embeddings: embeddings,
		persist:    persist,
		policy:     policy,
		clock:      clock,
		logger:     logger,
	}
}

type reflectionPass struct {
	now     time.Time
	report  *domain.ReflectionReport
	staging map[uuid.UUID]*domain.Memory
	changed map[uuid.UUID]struct{}
	insight map[uuid.UUID]struct{}
}

// stage returns the pass's copy of a record, cloning it from the store
// snapshot on first use.
func (p *reflectionPass) stage(m *domain.Memory) *domain.Memory {
	if s, ok := p.staging[m.ID]; ok {
		return s
	}
	c := m.Clone()
	p.staging[m.ID] = &c
	return &c
}

// Run executes one reflection pass. Rerunning it without new memories
// changes nothing.
func (e *ReflectionEngine) Run(ctx context.Context) (*domain.ReflectionReport, error) {
	now := e.clock()
	p := &reflectionPass{
		now: now,
		report: &domain.ReflectionReport{
			ID:             newPassID(now),
			Themes:         []uuid.UUID{},
			Contradictions: []uuid.UUID{},
			Contradicted:   []uuid.UUID{},
			StartedAt:      now,
		},
		staging: make(map[uuid.UUID]*domain.Memory),
		changed: make(map[uuid.UUID]struct{}),
		insight: make(map[uuid.UUID]struct{}),
	}

	all := e.store.All()
	existing := make(map[uuid.UUID]*domain.Memory, len(all))
	var sources []*domain.Memory
	for i := range all {
		m := &all[i]
		existing[m.ID] = m
		if m.Primary() && m.Layer != domain.LayerReflective && m.Metadata[metaKind] != kindReflection {
			sources = append(sources, m)
		}
	}

	e.themes(p, sources, existing)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.contradictions(ctx, p, sources, existing); err != nil {
		return nil, err
	}

	var batch memstore.Batch
	for _, id := range sortedIDs(p.staging) {
		if _, ok := p.changed[id]; ok {
			batch.Puts = append(batch.Puts, p.staging[id].Clone())
		}
	}
	if !batch.Empty() {
		if err := e.store.Apply(batch); err != nil {
			return nil, fmt.Errorf("commit reflection pass: %w", err)
		}
	}
	p.report.Degraded = !e.indexInsights(ctx, p)
	p.report.Duration = e.clock().Sub(now)

	e.logger.Info("reflection pass completed",
		zap.String("pass_id", p.report.ID),
		zap.Int("themes", len(p.report.Themes)),
		zap.Int("contradictions", len(p.report.Contradictions)),
		zap.Int("contradicted", len(p.report.Contradicted)),
	)

	if e.persist != nil && len(batch.Puts) > 0 {
		if err := e.persist.SaveAll(ctx, batch.Puts); err != nil {
			e.logger.Error("failed to persist reflection pass", zap.String("pass_id", p.report.ID), zap.Error(err))
			return p.report, fmt.Errorf("pass %s: %w: %w", p.report.ID, domain.ErrPersistence, err)
		}
	}
	return p.report, nil
}

// themes writes one insight per topic shared by at least minThemeSupport
// memories. An insight is rewritten only when its supporting set changed.
func (e *ReflectionEngine) themes(p *reflectionPass, sources []*domain.Memory, existing map[uuid.UUID]*domain.Memory) {
	byTopic := make(map[string][]uuid.UUID)
	for _, m := range sources {
		for _, topic := range m.Topics {
			byTopic[topic] = append(byTopic[topic], m.ID)
		}
	}
	topics := make([]string, 0, len(byTopic))
	for topic, ids := range byTopic {
		if len(ids) >= minThemeSupport {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)

	for _, topic := range topics {
		ids := byTopic[topic]
		sort.Slice(ids, func(i, j int) bool { return domain.LessID(ids[i], ids[j]) })
		id := uuid.NewSHA1(reflectionNamespace, []byte("theme:"+topic))
		prev, ok := existing[id]
		if ok && supportedBy(prev, ids, domain.AssociationTopical) {
			continue
		}

		insight := e.newInsight(p, id, prev)
		insight.Content = fmt.Sprintf("Recurring theme: %s (%d memories)", topic, len(ids))
		insight.Topics = []string{topic}
		insight.Metadata[metaInsight] = "theme"
		insight.Metadata[metaTheme] = topic
		insight.Metadata[metaSupport] = strconv.Itoa(len(ids))
		insight.Associations = nil
		for _, sid := range ids {
			insight.Associations = append(insight.Associations, domain.Association{TargetID: sid, Type: domain.AssociationTopical})
		}
		insight.ImportanceScore = e.scorer.Score(insight, NeutralContext(p.now)).FinalScore
		p.report.Themes = append(p.report.Themes, id)
	}
}

// supportedBy reports whether m links to exactly ids with edges of type t.
func supportedBy(m *domain.Memory, ids []uuid.UUID, t domain.AssociationType) bool {
	n := 0
	for _, a := range m.Associations {
		if a.Type == t {
			n++
		}
	}
	if n != len(ids) {
		return false
	}
	for _, id := range ids {
		if !m.HasAssociation(id, t) {
			return false
		}
	}
	return true
}

// contradictions pairs memories that state the same thing with opposite
// polarity. Both get a contradictory edge, the older unconfirmed one is
// marked contradicted, and an insight records the pair. Pairs already
// linked as contradictory are skipped.
func (e *ReflectionEngine) contradictions(ctx context.Context, p *reflectionPass, sources []*domain.Memory, existing map[uuid.UUID]*domain.Memory) error {
	type statement struct {
		m       *domain.Memory
		terms   map[string]struct{}
		negated bool
	}
	stmts := make([]statement, 0, len(sources))
	for _, m := range sources {
		terms, negated := polarTerms(m.Content)
		if len(terms) < 2 {
			continue
		}
		stmts = append(stmts, statement{m: m, terms: terms, negated: negated})
	}
	sort.Slice(stmts, func(i, j int) bool { return domain.LessID(stmts[i].m.ID, stmts[j].m.ID) })

	for i := range stmts {
		if e.policy.BatchSize > 0 && (i+1)%e.policy.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for j := i + 1; j < len(stmts); j++ {
			a, b := stmts[i], stmts[j]
			if a.negated == b.negated || jaccard(a.terms, b.terms) < contradictionOverlap {
				continue
			}
			if a.m.HasAssociation(b.m.ID, domain.AssociationContradictory) {
				continue
			}
			e.recordContradiction(p, a.m, b.m, existing)
		}
	}
	return nil
}

func (e *ReflectionEngine) recordContradiction(p *reflectionPass, a, b *domain.Memory, existing map[uuid.UUID]*domain.Memory) {
	sa, sb := p.stage(a), p.stage(b)
	sa.Associations = append(sa.Associations, domain.Association{TargetID: b.ID, Type: domain.AssociationContradictory})
	sb.Associations = append(sb.Associations, domain.Association{TargetID: a.ID, Type: domain.AssociationContradictory})
	sa.UpdatedAt, sb.UpdatedAt = p.now, p.now
	p.changed[a.ID] = struct{}{}
	p.changed[b.ID] = struct{}{}

	if loser := contradictionLoser(sa, sb); loser != nil && loser.Verification != domain.VerificationContradicted {
		loser.Verification = domain.VerificationContradicted
		p.report.Contradicted = append(p.report.Contradicted, loser.ID)
	}

	pair := []uuid.UUID{a.ID, b.ID}
	sort.Slice(pair, func(i, j int) bool { return domain.LessID(pair[i], pair[j]) })
	seed := append([]byte("contradiction:"), pair[0][:]...)
	seed = append(seed, pair[1][:]...)
	id := uuid.NewSHA1(reflectionNamespace, seed)

	insight := e.newInsight(p, id, existing[id])
	insight.Content = "Conflicting memories:\n" + mergeContent([]string{a.Content, b.Content})
	insight.Topics = unionStrings(a.Topics, b.Topics)
	insight.Entities = unionEntities(a.Entities, b.Entities)
	insight.Metadata[metaInsight] = "contradiction"
	insight.Associations = []domain.Association{
		{TargetID: pair[0], Type: domain.AssociationContradictory},
		{TargetID: pair[1], Type: domain.AssociationContradictory},
	}
	insight.ImportanceScore = e.scorer.Score(insight, NeutralContext(p.now)).FinalScore
	p.report.Contradictions = append(p.report.Contradictions, id)
}

// contradictionLoser picks the memory to mark: the older of the two unless
// it is confirmed. When both are confirmed neither is marked.
func contradictionLoser(a, b *domain.Memory) *domain.Memory {
	older, newer := a, b
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && domain.LessID(b.ID, a.ID)) {
		older, newer = b, a
	}
	switch {
	case older.Verification != domain.VerificationConfirmed:
		return older
	case newer.Verification != domain.VerificationConfirmed:
		return newer
	}
	return nil
}

// newInsight stages a reflective system memory under id, carrying over the
// layer, creation time and access history of a previous version.
func (e *ReflectionEngine) newInsight(p *reflectionPass, id uuid.UUID, prev *domain.Memory) *domain.Memory {
	m := &domain.Memory{
		ID:             id,
		Layer:          domain.LayerReflective,
		Source:         domain.SourceSystemInsight,
		CreatedAt:      p.now,
		UpdatedAt:      p.now,
		LastAccessedAt: p.now,
		EmbeddingRef:   id.String(),
		Verification:   domain.VerificationUnverified,
		Metadata:       map[string]string{metaKind: kindReflection},
	}
	if prev != nil {
		m.Layer = prev.Layer
		m.CreatedAt = prev.CreatedAt
		m.LastAccessedAt = prev.LastAccessedAt
		m.AccessCount = prev.AccessCount
		m.Revision = prev.Revision
	}
	p.staging[id] = m
	p.changed[id] = struct{}{}
	p.insight[id] = struct{}{}
	return m
}

// indexInsights embeds written insights so semantic search can find them.
// It reports false when the provider was unavailable.
func (e *ReflectionEngine) indexInsights(ctx context.Context, p *reflectionPass) bool {
	if !embeddingsUp(ctx, e.embeddings) {
		return false
	}
	for id := range p.insight {
		m := p.staging[id]
		ictx, cancel := context.WithTimeout(ctx, embedTimeout(e.policy.Retrieval))
		if err := e.embeddings.Index(ictx, embeddingHandle(m), m.Content); err != nil {
			e.logger.Warn("failed to index insight", zap.String("memory_id", id.String()), zap.Error(err))
		}
		cancel()
	}
	return true
}

// polarTerms returns the content terms of a statement without its negation
// words, and whether it contained any.
func polarTerms(content string) (map[string]struct{}, bool) {
	terms := make(map[string]struct{})
	negated := false
	for _, w := range queryTerms(content) {
		if _, neg := negations[w]; neg {
			negated = true
			continue
		}
		terms[w] = struct{}{}
	}
	return terms, negated
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
