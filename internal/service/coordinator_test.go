package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCoordinator_AddThenSearchRoundTrip(t *testing.T) {
	for _, withEmbeddings := range []bool{false, true} {
		name := "lexical only"
		var embed *fakeEmbeddings
		if withEmbeddings {
			name = "hybrid"
			embed = newFakeEmbeddings()
		}
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, domain.DefaultPolicy(), embed)
			fx.add(t, "the standup moved to 10:30", domain.SourceAgentGenerated)
			target := fx.add(t, "Remember to buy oat milk on Friday", domain.SourceUserInput)
			fx.add(t, "the deploy pipeline is flaky", domain.SourceDocumentExtraction)

			results, err := fx.coord.Search(context.Background(), "buy oat milk", 1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, target.ID, results[0].Memory.ID)
			assert.Equal(t, !withEmbeddings, results[0].Degraded)
			assert.Equal(t, 1, results[0].Memory.AccessCount)

			saved, ok := fx.persist.get(target.ID)
			require.True(t, ok)
			assert.Equal(t, 1, saved.AccessCount, "access bookkeeping is persisted")
		})
	}
}

func TestCoordinator_SearchEdgeCases(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	fx.add(t, "remember to buy milk", domain.SourceUserInput)

	tests := []struct {
		name  string
		query string
		limit int
	}{
		{"zero limit", "milk", 0},
		{"negative limit", "milk", -3},
		{"empty query", "", 10},
		{"blank query", "   ", 10},
		{"no match", "kubernetes", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := fx.coord.Search(context.Background(), tt.query, tt.limit)
			require.NoError(t, err)
			assert.NotNil(t, results)
			assert.Empty(t, results)
		})
	}
}

func TestCoordinator_MilkScenario(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	ctx := context.Background()

	user := fx.add(t, "remember to buy milk", domain.SourceUserInput)
	agent := fx.add(t, "the user likes milk", domain.SourceAgentGenerated)
	doc := fx.add(t, "milk prices rose 10%", domain.SourceDocumentExtraction)

	report, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, report.Promoted)
	assert.True(t, report.Degraded)

	for _, id := range []uuid.UUID{user.ID, agent.ID, doc.ID} {
		m, err := fx.coord.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.LayerWorking, m.Layer)
	}

	fx.clock.Advance(90 * time.Minute)
	_, err = fx.coord.Consolidate(ctx, domain.TriggerScheduled)
	require.NoError(t, err)

	scores := make(map[uuid.UUID]float64)
	for _, id := range []uuid.UUID{user.ID, agent.ID, doc.ID} {
		m, err := fx.coord.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.LayerWorking, m.Layer)
		scores[id] = m.ImportanceScore
	}
	assert.Greater(t, scores[user.ID], scores[agent.ID])
	assert.Greater(t, scores[user.ID], scores[doc.ID])
}

func TestCoordinator_DegradedSearch(t *testing.T) {
	embed := newFakeEmbeddings()
	embed.setDown(true)
	fx := newFixture(t, domain.DefaultPolicy(), embed)
	low := fx.add(t, "milk is in the fridge", domain.SourceAgentGenerated)
	high := fx.add(t, "remember the milk for the party", domain.SourceUserInput)
	fx.add(t, "quarterly report due", domain.SourceDocumentExtraction)

	results, err := fx.coord.Search(context.Background(), "milk", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, high.ID, results[0].Memory.ID, "importance breaks the lexical tie")
	assert.Equal(t, low.ID, results[1].Memory.ID)
	for _, r := range results {
		assert.True(t, r.Degraded)
	}

	stats := fx.coord.GetStats(context.Background())
	assert.False(t, stats.EmbeddingsAvailable)
}

func TestCoordinator_ConsolidateIsIdempotent(t *testing.T) {
	embed := newFakeEmbeddings()
	policy := domain.DefaultPolicy()
	fx := newFixture(t, policy, embed)
	ctx := context.Background()

	fx.add(t, "Alice prefers green tea", domain.SourceUserInput)
	fx.add(t, "alice prefers green tea", domain.SourceAgentGenerated)
	fx.add(t, "the build server lives in Frankfurt", domain.SourceDocumentExtraction)
	for i := 0; i < 3; i++ {
		_, err := fx.coord.Search(ctx, "build server", 5)
		require.NoError(t, err)
	}

	first, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.Len(t, first.Merged, 1)
	assert.Len(t, first.MergedOriginals, 2)

	second, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Changes())
	assert.Empty(t, second.Transitions)
}

func TestCoordinator_ThresholdSignalsScheduler(t *testing.T) {
	policy := domain.DefaultPolicy()
	working := policy.Layers[domain.LayerWorking]
	working.ConsolidationThreshold = 3
	policy.Layers[domain.LayerWorking] = working

	fx := newFixture(t, policy, nil)
	fx.add(t, "first note", domain.SourceAgentGenerated)
	fx.add(t, "second note", domain.SourceAgentGenerated)

	select {
	case <-fx.coord.Triggers():
		t.Fatal("signalled before the threshold")
	default:
	}

	fx.add(t, "third note", domain.SourceAgentGenerated)
	select {
	case reason := <-fx.coord.Triggers():
		assert.Equal(t, domain.TriggerThresholdReached, reason)
	default:
		t.Fatal("expected a threshold signal")
	}
}

func TestCoordinator_Stats(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	ctx := context.Background()
	fx.add(t, "working note", domain.SourceUserInput)
	fx.add(t, "system insight", domain.SourceSystemInsight)
	_, err := fx.coord.Add(ctx, AddRequest{
		Content:  "I keep underestimating deploy time",
		Source:   domain.SourceAgentGenerated,
		Metadata: map[string]string{"kind": "reflection"},
	})
	require.NoError(t, err)

	stats := fx.coord.GetStats(ctx)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Primary)
	assert.Equal(t, 1, stats.Layers[domain.LayerWorking])
	assert.Equal(t, 1, stats.Layers[domain.LayerSemantic])
	assert.Equal(t, 1, stats.Layers[domain.LayerReflective])
	assert.Len(t, stats.Layers, 6)
	assert.Nil(t, stats.LastConsolidation)
	assert.Greater(t, stats.AverageImportance, 0.0)

	_, err = fx.coord.Consolidate(ctx, domain.TriggerManual)
	require.NoError(t, err)
	_, err = fx.coord.Prune(ctx, domain.PruneRetentionWindow)
	require.NoError(t, err)

	stats = fx.coord.GetStats(ctx)
	require.NotNil(t, stats.LastConsolidation)
	require.NotNil(t, stats.LastPruning)
	assert.Equal(t, fx.clock.Now(), *stats.LastConsolidation)
}

func TestCoordinator_Associations(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	ctx := context.Background()

	a := fx.add(t, "Alice owns the billing service", domain.SourceUserInput)
	b := fx.add(t, "billing service paged twice last night", domain.SourceAgentGenerated)

	require.NoError(t, fx.coord.Associate(ctx, b.ID, a.ID, domain.AssociationCausal))

	links, err := fx.coord.Associations(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, a.ID, links[0].Memory.ID)
	assert.Equal(t, domain.AssociationCausal, links[0].Type)

	require.NoError(t, fx.coord.RemoveMemory(ctx, a.ID))
	links, err = fx.coord.Associations(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestCoordinator_ConcurrentReadersAndWriters(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), newFakeEmbeddings())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		fx.add(t, "seed memory about milk", domain.SourceAgentGenerated)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = fx.coord.Search(ctx, "milk", 5)
		}()
		go func() {
			defer wg.Done()
			_, _ = fx.coord.Add(ctx, AddRequest{Content: "another milk note", Source: domain.SourceUserInput})
		}()
		go func() {
			defer wg.Done()
			_, _ = fx.coord.Consolidate(ctx, domain.TriggerManual)
		}()
	}
	wg.Wait()

	stats := fx.coord.GetStats(ctx)
	total := 0
	for _, n := range stats.Layers {
		total += n
	}
	assert.Equal(t, stats.Total, total)
}

func TestCoordinator_RemovingSummaryReleasesOriginals(t *testing.T) {
	tests := []struct {
		name   string
		remove func(fx *coordinatorFixture, summary uuid.UUID) error
	}{
		{"manual prune", func(fx *coordinatorFixture, summary uuid.UUID) error {
			report, err := fx.coord.PruneWith(context.Background(), PruneRequest{
				Strategy: domain.PruneManual,
				IDs:      []uuid.UUID{summary},
			})
			if err == nil && len(report.Released) != 2 {
				return fmt.Errorf("released %d originals, want 2", len(report.Released))
			}
			return err
		}},
		{"remove", func(fx *coordinatorFixture, summary uuid.UUID) error {
			return fx.coord.RemoveMemory(context.Background(), summary)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, domain.DefaultPolicy(), newFakeEmbeddings())
			ctx := context.Background()
			a := fx.add(t, "Bob is allergic to peanuts", domain.SourceUserInput)
			b := fx.add(t, "bob is allergic to peanuts", domain.SourceAgentGenerated)

			report, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
			require.NoError(t, err)
			require.Len(t, report.Merged, 1)
			summary := report.Merged[0]

			require.NoError(t, tt.remove(fx, summary))

			_, err = fx.coord.GetMemory(ctx, summary)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			for _, id := range []uuid.UUID{a.ID, b.ID} {
				got, err := fx.coord.GetMemory(ctx, id)
				require.NoError(t, err)
				assert.True(t, got.Primary())
				saved, ok := fx.persist.get(id)
				require.True(t, ok)
				assert.Nil(t, saved.MergedInto)
			}

			results, err := fx.coord.Search(ctx, "peanuts", 5)
			require.NoError(t, err)
			assert.Len(t, results, 2)

			again, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
			require.NoError(t, err)
			assert.Len(t, again.Merged, 1, "released originals can merge again")
		})
	}
}

func TestCoordinator_SearchWithoutHitsIsCounted(t *testing.T) {
	collector := metrics.NewCollector("memtier", zap.NewNop())
	coord, err := NewCoordinator(Options{
		Policy:  domain.DefaultPolicy(),
		Clock:   newTestClock().Now,
		Metrics: collector,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	results, err := coord.Search(context.Background(), "kubernetes", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	n, err := testutil.GatherAndCount(collector.Registry(), "memtier_searches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(collector.Registry(), "memtier_search_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCoordinator_SearchWithFilter(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	ctx := context.Background()
	old := fx.add(t, "renew the passport", domain.SourceUserInput)
	fx.clock.Advance(2 * time.Hour)
	fresh := fx.add(t, "passport photo booth closes at six", domain.SourceUserInput)

	results, err := fx.coord.SearchWith(ctx, "passport", 10, SearchFilter{CreatedAfter: fx.clock.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fresh.ID, results[0].Memory.ID)

	got, err := fx.coord.GetMemory(ctx, old.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount, "filtered out memories are not touched")

	_, err = fx.coord.SearchWith(ctx, "passport", 10, SearchFilter{Offset: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCoordinator_ConcurrentPassIsConflict(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), nil)
	ctx := context.Background()
	fx.add(t, "a note", domain.SourceAgentGenerated)

	fx.coord.passRunning.Store(true)
	_, err := fx.coord.Consolidate(ctx, domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrConsolidationConflict)
	_, err = fx.coord.Prune(ctx, domain.PruneCapacityBound)
	assert.ErrorIs(t, err, domain.ErrConsolidationConflict)
	_, err = fx.coord.Reflect(ctx)
	assert.ErrorIs(t, err, domain.ErrConsolidationConflict)

	fx.coord.passRunning.Store(false)
	_, err = fx.coord.Consolidate(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.False(t, fx.coord.passRunning.Load(), "flag is cleared after a pass")
}

func TestCoordinator_ReflectFindsContradiction(t *testing.T) {
	fx := newFixture(t, domain.DefaultPolicy(), newFakeEmbeddings())
	ctx := context.Background()
	older := fx.add(t, "the standup is on tuesdays", domain.SourceAgentGenerated)
	fx.clock.Advance(time.Minute)
	fx.add(t, "the standup is not on tuesdays", domain.SourceUserInput)

	report, err := fx.coord.Reflect(ctx)
	require.NoError(t, err)
	require.Len(t, report.Contradictions, 1)
	assert.Equal(t, []uuid.UUID{older.ID}, report.Contradicted)

	got, err := fx.coord.GetMemory(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationContradicted, got.Verification)
	saved, ok := fx.persist.get(older.ID)
	require.True(t, ok)
	assert.Equal(t, domain.VerificationContradicted, saved.Verification)

	stats := fx.coord.GetStats(ctx)
	assert.Equal(t, 1, stats.Layers[domain.LayerReflective])
	require.NotNil(t, stats.LastReflection)
}
