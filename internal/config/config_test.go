package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EnvFileAndSecret(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SERVER_PORT=9191\nEMBEDDING_PROVIDER=mock\n"), 0o600))
	require.NoError(t, os.WriteFile(envFile+".secret", []byte("API_KEY=s3cret\n"), 0o600))

	t.Setenv("MEMTIER_ENV", envFile)
	// godotenv never overrides variables that are already set, so register
	// cleanups for the ones the files introduce.
	for _, k := range []string{"SERVER_PORT", "EMBEDDING_PROVIDER", "API_KEY"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	require.NoError(t, Load())
	assert.Equal(t, 9191, ServerPort())
	assert.Equal(t, ":9191", ServerAddr())
	assert.Equal(t, "mock", EmbeddingProvider())
	assert.Equal(t, "", EmbeddingAPIKey())
	assert.Equal(t, "s3cret", APIKey())
}

func TestDefaults(t *testing.T) {
	for _, k := range []string{
		"SERVER_PORT", "DATABASE_URL", "PERSISTENCE_DRIVER", "SQLITE_PATH", "REDIS_URL",
		"EMBEDDING_PROVIDER", "VECTOR_INDEX", "CONSOLIDATION_INTERVAL", "PRUNE_INTERVAL",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}

	assert.Equal(t, 8080, ServerPort())
	assert.Equal(t, "none", PersistenceDriver())
	assert.Equal(t, "data/memtier.db", SQLitePath())
	assert.Equal(t, "redis://localhost:6379/0", RedisURL())
	assert.Equal(t, "openai", EmbeddingProvider())
	assert.Equal(t, "memory", VectorIndex())
	assert.Equal(t, 10*time.Minute, ConsolidationInterval())
	assert.Equal(t, time.Hour, PruneInterval())
	assert.Equal(t, 100.0, RateLimitRPS())
	assert.Equal(t, 20, RateLimitBurst())
	assert.Equal(t, "info", LogLevel())
}

func TestPersistenceDriver(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dbURL  string
		want   string
	}{
		{"explicit", "redis", "postgres://x", "redis"},
		{"inferred from database url", "", "postgres://x", "postgres"},
		{"nothing configured", "", "", "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PERSISTENCE_DRIVER", tt.driver)
			t.Setenv("DATABASE_URL", tt.dbURL)
			assert.Equal(t, tt.want, PersistenceDriver())
		})
	}
}

func TestIntervals_IgnoreInvalid(t *testing.T) {
	t.Setenv("CONSOLIDATION_INTERVAL", "90s")
	t.Setenv("PRUNE_INTERVAL", "-5m")
	assert.Equal(t, 90*time.Second, ConsolidationInterval())
	assert.Equal(t, time.Hour, PruneInterval())

	t.Setenv("PRUNE_INTERVAL", "soon")
	assert.Equal(t, time.Hour, PruneInterval())
}

func TestParsePolicy_PartialLayer(t *testing.T) {
	p, err := ParsePolicy([]byte(`
layers:
  working:
    capacity: 50
    half_life: 30m
merge_threshold: 0.95
source_boost:
  agent_generated: 0.5
weights:
  recency: 0.4
`))
	require.NoError(t, err)

	def := domain.DefaultPolicy()
	working := p.Layer(domain.LayerWorking)
	assert.Equal(t, 50, working.Capacity)
	assert.Equal(t, 30*time.Minute, working.HalfLife)
	assert.Equal(t, def.Layers[domain.LayerWorking].PromoteThreshold, working.PromoteThreshold)
	assert.Equal(t, def.Layers[domain.LayerWorking].Retention, working.Retention)
	assert.Equal(t, def.Layers[domain.LayerEpisodic], p.Layer(domain.LayerEpisodic))

	assert.Equal(t, 0.95, p.MergeThreshold)
	assert.Equal(t, 0.5, p.SourceBoost[domain.SourceAgentGenerated])
	assert.Equal(t, 1.0, p.SourceBoost[domain.SourceUserInput])
	assert.Equal(t, 0.4, p.Weights.Recency)
	assert.Equal(t, 0.25, p.Weights.Frequency)
}

func TestParsePolicy_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown layer", "layers:\n  scratch:\n    capacity: 3\n"},
		{"unknown source", "source_boost:\n  oracle: 2\n"},
		{"bad duration", "layers:\n  working:\n    half_life: fortnight\n"},
		{"not yaml", "layers: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicy_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  candidate_cap: 50\n"), 0o600))
	t.Setenv("MEMORY_POLICY_FILE", path)
	t.Setenv("SCORE_WEIGHT_SOURCE", "0.5")
	t.Setenv("RETRIEVAL_ALPHA", "0.7")

	p, err := LoadPolicy()
	require.NoError(t, err)
	assert.Equal(t, 50, p.Retrieval.CandidateCap)
	assert.Equal(t, 0.5, p.Weights.Source)
	assert.Equal(t, 0.7, p.Retrieval.Alpha)
	assert.Equal(t, 0.2, p.Retrieval.Beta)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	t.Setenv("MEMORY_POLICY_FILE", "")
	t.Setenv("RETRIEVAL_ALPHA", "1.5")
	_, err := LoadPolicy()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	t.Setenv("RETRIEVAL_ALPHA", "high")
	_, err = LoadPolicy()
	assert.Error(t, err)

	t.Setenv("RETRIEVAL_ALPHA", "")
	t.Setenv("MEMORY_POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = LoadPolicy()
	assert.Error(t, err)
}

func TestLoadPolicy_RejectsFasterDecayHigherUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "layers:\n  short_term:\n    half_life: 10m\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("MEMORY_POLICY_FILE", path)

	_, err := LoadPolicy()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
