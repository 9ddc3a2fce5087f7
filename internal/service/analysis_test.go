package service

import (
	"testing"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestLexicalMatch(t *testing.T) {
	m := &domain.Memory{
		Content: "Remember to buy milk after the standup",
		Topics:  []string{"shopping"},
	}

	tests := []struct {
		name    string
		query   string
		want    float64
		matched bool
	}{
		{"substring", "buy milk", 1, true},
		{"case insensitive", "BUY MILK", 1, true},
		{"all terms out of order", "milk standup", 1, true},
		{"half the terms", "milk groceries", 0.5, true},
		{"topic counts", "shopping list", 0.5, true},
		{"too few terms", "milk eggs bread", 0, false},
		{"unrelated", "quarterly prices", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phrase, terms := normalizeQuery(tt.query)
			got, ok := lexicalMatch(phrase, terms, m)
			assert.Equal(t, tt.matched, ok)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestQueryTerms_StopWordsOnly(t *testing.T) {
	assert.Equal(t, []string{"the", "to"}, queryTerms("the to the"))
	assert.Equal(t, []string{"milk"}, queryTerms("the milk"))
}

func TestExtractTopics(t *testing.T) {
	assert.Equal(t, []string{"shopping"}, extractTopics("remember to buy milk"))
	assert.Equal(t, []string{"coding", "work"}, extractTopics("Fix the deploy bug before the client meeting"))
	assert.Empty(t, extractTopics("nothing to see"))
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("Ping Alice at alice@example.com on 2026-04-02 at 10:30, budget $120")

	byType := make(map[string][]string)
	for _, e := range entities {
		byType[e.Type] = append(byType[e.Type], e.Text)
	}

	assert.Contains(t, byType["email"], "alice@example.com")
	assert.Contains(t, byType["date"], "2026-04-02")
	assert.Contains(t, byType["time"], "10:30")
	assert.Contains(t, byType["amount"], "$120")
	assert.Contains(t, byType["name"], "Alice")
	assert.NotContains(t, byType["name"], "Ping", "sentence-initial words are not names")
}

func TestAnalyzeSentiment(t *testing.T) {
	assert.Nil(t, analyzeSentiment("the meeting is at noon"))

	s := analyzeSentiment("I love this great editor")
	if assert.NotNil(t, s) {
		assert.Equal(t, "positive", s.Label)
		assert.InDelta(t, 1.0, s.Score, 0.0001)
	}

	s = analyzeSentiment("the build is broken and I hate it, but the fix is good")
	if assert.NotNil(t, s) {
		assert.Equal(t, "negative", s.Label)
	}
}

func TestMergeContent(t *testing.T) {
	got := mergeContent([]string{
		"Alice likes tea\nAlice lives in Lisbon",
		"alice likes tea",
		"  \nAlice works remotely",
	})
	assert.Equal(t, "Alice likes tea\nAlice lives in Lisbon\nAlice works remotely", got)
}

func TestSharesTerms(t *testing.T) {
	a := &domain.Memory{Topics: []string{"work"}, Entities: []domain.Entity{{Text: "Alice", Type: "name"}}}
	b := &domain.Memory{Topics: []string{"travel"}, Entities: []domain.Entity{{Text: "alice", Type: "name"}}}
	c := &domain.Memory{Topics: []string{"health"}}

	assert.True(t, sharesTerms(a, b))
	assert.False(t, sharesTerms(a, c))
}
