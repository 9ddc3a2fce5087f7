package store

import (
	"context"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMemory(content string, layer domain.Layer, at time.Time) domain.Memory {
	return domain.Memory{
		ID:              uuid.New(),
		Content:         content,
		Layer:           layer,
		Source:          domain.SourceUserInput,
		CreatedAt:       at,
		UpdatedAt:       at,
		LastAccessedAt:  at,
		ImportanceScore: 0.42,
		AccessCount:     3,
		Verification:    domain.VerificationUnverified,
	}
}

// exercisePersistentStore runs the behaviour every backend must share.
func exercisePersistentStore(t *testing.T, s domain.PersistentStore) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 30, 0, 123000000, time.UTC)

	empty, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	a := sampleMemory("Alice prefers tea over coffee", domain.LayerEpisodic, at)
	a.Entities = []domain.Entity{{Text: "Alice", Type: "name"}}
	a.Topics = []string{"food"}
	a.Sentiment = &domain.Sentiment{Score: 0.5, Label: "positive"}
	a.Metadata = map[string]string{"channel": "chat"}

	b := sampleMemory("Deploy on Friday", domain.LayerWorking, at.Add(time.Minute))
	b.Associations = []domain.Association{{TargetID: a.ID, Type: domain.AssociationTopical}}

	require.NoError(t, s.SaveAll(ctx, []domain.Memory{a, b}))
	require.NoError(t, s.SaveAll(ctx, nil))

	loaded, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	byID := map[uuid.UUID]domain.Memory{}
	for _, m := range loaded {
		byID[m.ID] = m
	}

	gotA := byID[a.ID]
	assert.Equal(t, a.Content, gotA.Content)
	assert.Equal(t, a.Layer, gotA.Layer)
	assert.Equal(t, a.Entities, gotA.Entities)
	assert.Equal(t, a.Topics, gotA.Topics)
	assert.Equal(t, a.Sentiment, gotA.Sentiment)
	assert.Equal(t, a.Metadata, gotA.Metadata)
	assert.True(t, a.CreatedAt.Equal(gotA.CreatedAt))
	assert.InDelta(t, a.ImportanceScore, gotA.ImportanceScore, 1e-12)
	assert.Nil(t, gotA.MergedInto)
	assert.Equal(t, b.Associations, byID[b.ID].Associations)

	// Upsert replaces the stored copy.
	summary := uuid.New()
	a.MergedInto = &summary
	a.AccessCount = 7
	a.Revision = 2
	require.NoError(t, s.SaveAll(ctx, []domain.Memory{a}))

	loaded, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for _, m := range loaded {
		byID[m.ID] = m
	}
	gotA = byID[a.ID]
	require.NotNil(t, gotA.MergedInto)
	assert.Equal(t, summary, *gotA.MergedInto)
	assert.Equal(t, 7, gotA.AccessCount)
	assert.Equal(t, 2, gotA.Revision)

	require.NoError(t, s.Delete(ctx, b.ID))
	assert.ErrorIs(t, s.Delete(ctx, b.ID), domain.ErrNotFound)

	loaded, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, a.ID, loaded[0].ID)
}
