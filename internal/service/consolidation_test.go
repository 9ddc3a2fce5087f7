package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedMemory(t *testing.T, s *memstore.Store, content string, layer domain.Layer, source domain.Source, at time.Time) domain.Memory {
	t.Helper()
	m := domain.Memory{
		ID:             uuid.New(),
		Content:        content,
		Layer:          layer,
		Source:         source,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastAccessedAt: at,
		Verification:   domain.VerificationUnverified,
		Topics:         extractTopics(content),
		Entities:       extractEntities(content),
	}
	_, err := s.Insert(m)
	require.NoError(t, err)
	return m
}

func newConsolidationEngine(s *memstore.Store, embed domain.EmbeddingProvider, persist domain.PersistentStore, policy domain.Policy, clock *testClock) *ConsolidationEngine {
	return NewConsolidationEngine(s, embed, persist, policy, clock.Now, zap.NewNop())
}

func TestConsolidation_PromotesAcrossLayersInOnePass(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	hot := seedMemory(t, s, "the on-call rotation starts Monday", domain.LayerWorking, domain.SourceUserInput, clock.Now())
	require.NoError(t, s.Update(hot.ID, func(m *domain.Memory) error {
		m.AccessCount = 19
		return nil
	}))
	cold := seedMemory(t, s, "lunch was fine", domain.LayerWorking, domain.SourceAgentGenerated, clock.Now())

	engine := newConsolidationEngine(s, nil, nil, domain.DefaultPolicy(), clock)
	report, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.NoError(t, err)

	assert.Equal(t, domain.TriggerManual, report.Trigger)
	assert.Equal(t, []uuid.UUID{hot.ID}, report.Promoted)
	assert.True(t, report.Degraded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, domain.StrategyMergeSimilar, report.Skipped[0].Strategy)

	got, _ := s.Get(hot.ID)
	// (1 + 0.95 + 1 + 0.5) / 4 = 0.8625 clears the working, short-term and
	// episodic thresholds but not long-term.
	assert.Equal(t, domain.LayerLongTerm, got.Layer)
	require.Len(t, report.Transitions, 3)
	assert.Equal(t, domain.LayerWorking, report.Transitions[0].From)
	assert.Equal(t, domain.LayerLongTerm, report.Transitions[2].To)

	stayed, _ := s.Get(cold.ID)
	assert.Equal(t, domain.LayerWorking, stayed.Layer)
}

func TestConsolidation_DemotesAndFlagsStaleWorking(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	old := clock.Now().Add(-30 * 24 * time.Hour)
	staleShort := seedMemory(t, s, "ticket 4411 was closed", domain.LayerShortTerm, domain.SourceAgentGenerated, old)
	staleWorking := seedMemory(t, s, "scratch thought", domain.LayerWorking, domain.SourceAgentGenerated, old)

	engine := newConsolidationEngine(s, nil, nil, domain.DefaultPolicy(), clock)
	report, err := engine.Run(context.Background(), ConsolidationRequest{Trigger: domain.TriggerScheduled})
	require.NoError(t, err)

	// (0 + 0 + 0.4 + 0.5) / 4 = 0.225 sits above the short-term floor, so
	// nothing is demoted; only the stale working memory is below its own.
	assert.Empty(t, report.Demoted)
	assert.Empty(t, report.PruneEligible)

	policy := domain.DefaultPolicy()
	short := policy.Layers[domain.LayerShortTerm]
	short.DemoteFloor = 0.30
	policy.Layers[domain.LayerShortTerm] = short
	working := policy.Layers[domain.LayerWorking]
	working.DemoteFloor = 0.30
	policy.Layers[domain.LayerWorking] = working

	engine = newConsolidationEngine(s, nil, nil, policy, clock)
	report, err = engine.Run(context.Background(), ConsolidationRequest{Trigger: domain.TriggerScheduled})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{staleShort.ID}, report.Demoted)
	assert.ElementsMatch(t, []uuid.UUID{staleWorking.ID, staleShort.ID}, report.PruneEligible)
	got, _ := s.Get(staleShort.ID)
	assert.Equal(t, domain.LayerWorking, got.Layer)
	assert.Equal(t, 2, s.Len(), "prune eligibility never deletes")
}

func TestConsolidation_MergeSimilar(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	embed := newFakeEmbeddings()
	persist := newFakePersistence()

	a := seedMemory(t, s, "Bob is allergic to peanuts", domain.LayerEpisodic, domain.SourceAgentGenerated, clock.Now().Add(-time.Hour))
	b := seedMemory(t, s, "bob is allergic to peanuts", domain.LayerEpisodic, domain.SourceUserInput, clock.Now())
	require.NoError(t, s.Update(b.ID, func(m *domain.Memory) error {
		m.AccessCount = 2
		m.Verification = domain.VerificationConfirmed
		return nil
	}))
	other := seedMemory(t, s, "the VPN certificate expires in June", domain.LayerEpisodic, domain.SourceDocumentExtraction, clock.Now())

	engine := newConsolidationEngine(s, embed, persist, domain.DefaultPolicy(), clock)
	report, err := engine.Run(context.Background(), ConsolidationRequest{
		Strategies: []domain.ConsolidationStrategy{domain.StrategyMergeSimilar},
	})
	require.NoError(t, err)
	require.Len(t, report.Merged, 1)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, report.MergedOriginals)
	assert.False(t, report.Degraded)

	summary, err := s.Get(report.Merged[0])
	require.NoError(t, err)
	assert.Equal(t, domain.LayerEpisodic, summary.Layer)
	assert.Equal(t, domain.SourceUserInput, summary.Source)
	assert.Equal(t, domain.VerificationConfirmed, summary.Verification)
	assert.Equal(t, 2, summary.AccessCount)
	assert.Equal(t, a.CreatedAt, summary.CreatedAt)
	assert.True(t, summary.Primary())
	assert.True(t, summary.HasAssociation(a.ID, domain.AssociationMergedFrom))
	assert.True(t, summary.HasAssociation(b.ID, domain.AssociationMergedFrom))
	assert.Contains(t, summary.Content, "allergic to peanuts")

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		orig, err := s.Get(id)
		require.NoError(t, err)
		assert.False(t, orig.Primary())
		require.NotNil(t, orig.MergedInto)
		assert.Equal(t, summary.ID, *orig.MergedInto)
	}
	untouched, _ := s.Get(other.ID)
	assert.True(t, untouched.Primary())

	assert.True(t, embed.indexed(summary.ID.String()), "summary vector is indexed after commit")
	_, saved := persist.get(summary.ID)
	assert.True(t, saved)
}

func TestConsolidation_Idempotent(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	embed := newFakeEmbeddings()

	seedMemory(t, s, "Carol manages the data team", domain.LayerWorking, domain.SourceUserInput, clock.Now())
	seedMemory(t, s, "carol manages the data team", domain.LayerWorking, domain.SourceAgentGenerated, clock.Now())
	busy := seedMemory(t, s, "the staging database is read only", domain.LayerWorking, domain.SourceDocumentExtraction, clock.Now())
	require.NoError(t, s.Update(busy.ID, func(m *domain.Memory) error {
		m.AccessCount = 6
		return nil
	}))
	seedMemory(t, s, "old meeting notes", domain.LayerShortTerm, domain.SourceAgentGenerated, clock.Now().Add(-20*24*time.Hour))

	engine := newConsolidationEngine(s, embed, nil, domain.DefaultPolicy(), clock)
	first, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.NoError(t, err)
	assert.Greater(t, first.Changes(), 0)

	before := s.All()
	second, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Changes())
	assert.Equal(t, before, s.All())
}

func TestConsolidation_CancelledCommitsNothing(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	for i := 0; i < 10; i++ {
		m := seedMemory(t, s, "frequently used fact", domain.LayerWorking, domain.SourceUserInput, clock.Now())
		require.NoError(t, s.Update(m.ID, func(m *domain.Memory) error {
			m.AccessCount = 20
			return nil
		}))
	}
	before := s.All()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newConsolidationEngine(s, nil, nil, domain.DefaultPolicy(), clock)
	report, err := engine.Run(ctx, ConsolidationRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.Equal(t, before, s.All())
}

func TestConsolidation_PersistenceFailureKeepsCommit(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	m := seedMemory(t, s, "deploys freeze on Fridays", domain.LayerWorking, domain.SourceUserInput, clock.Now())
	require.NoError(t, s.Update(m.ID, func(m *domain.Memory) error {
		m.AccessCount = 19
		return nil
	}))

	persist := newFakePersistence()
	persist.saveErr = errFakeDown

	engine := newConsolidationEngine(s, nil, persist, domain.DefaultPolicy(), clock)
	report, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.NotNil(t, report)
	assert.Equal(t, []uuid.UUID{m.ID}, report.Promoted)

	got, _ := s.Get(m.ID)
	assert.NotEqual(t, domain.LayerWorking, got.Layer, "in-memory change survives a failed save")
}

func TestConsolidation_RejectsUnknownStrategy(t *testing.T) {
	engine := newConsolidationEngine(memstore.New(), nil, nil, domain.DefaultPolicy(), newTestClock())

	_, err := engine.Run(context.Background(), ConsolidationRequest{
		Strategies: []domain.ConsolidationStrategy{"shuffle"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = engine.Run(context.Background(), ConsolidationRequest{Layers: []domain.Layer{"archive"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConsolidation_LayerScope(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	w := seedMemory(t, s, "working fact", domain.LayerWorking, domain.SourceUserInput, clock.Now())
	st := seedMemory(t, s, "short term fact", domain.LayerShortTerm, domain.SourceUserInput, clock.Now())
	for _, id := range []uuid.UUID{w.ID, st.ID} {
		require.NoError(t, s.Update(id, func(m *domain.Memory) error {
			m.AccessCount = 19
			return nil
		}))
	}

	engine := newConsolidationEngine(s, nil, nil, domain.DefaultPolicy(), clock)
	report, err := engine.Run(context.Background(), ConsolidationRequest{Layers: []domain.Layer{domain.LayerShortTerm}})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{st.ID}, report.Promoted)

	got, _ := s.Get(w.ID)
	assert.Equal(t, domain.LayerWorking, got.Layer)
}

func TestConsolidation_HotWorkingSetSettlesInOnePass(t *testing.T) {
	clock := newTestClock()
	s := memstore.New()
	for i := 0; i < 50; i++ {
		m := seedMemory(t, s, fmt.Sprintf("deploy note %d", i), domain.LayerWorking, domain.SourceUserInput, clock.Now())
		require.NoError(t, s.Update(m.ID, func(m *domain.Memory) error {
			m.AccessCount = 20
			return nil
		}))
	}

	engine := newConsolidationEngine(s, nil, nil, domain.DefaultPolicy(), clock)
	first, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.NoError(t, err)
	assert.Len(t, first.Promoted, 50)

	second, err := engine.Run(context.Background(), ConsolidationRequest{})
	require.NoError(t, err)
	assert.Zero(t, second.Changes())
	assert.Zero(t, s.CountByLayer()[domain.LayerWorking])
}
