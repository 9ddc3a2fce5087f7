package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by MEMTIER_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("MEMTIER_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// PersistenceDriver returns where memories are made durable.
// Defaults to "postgres" when DATABASE_URL is set, "none" otherwise.
// Valid values: postgres, sqlite, redis, none
func PersistenceDriver() string {
	if d := os.Getenv("PERSISTENCE_DRIVER"); d != "" {
		return d
	}
	if DatabaseURL() != "" {
		return "postgres"
	}
	return "none"
}

func SQLitePath() string {
	p := os.Getenv("SQLITE_PATH")
	if p == "" {
		return "data/memtier.db"
	}
	return p
}

func RedisURL() string {
	u := os.Getenv("REDIS_URL")
	if u == "" {
		return "redis://localhost:6379/0"
	}
	return u
}

// EmbeddingProvider returns the configured embedding provider.
// Defaults to "openai" if not set.
// Valid values: openai, ollama, mock, none
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

func OllamaHost() string {
	return os.Getenv("OLLAMA_HOST")
}

// EmbeddingModel is empty when the provider's default should be used.
func EmbeddingModel() string {
	return os.Getenv("EMBEDDING_MODEL")
}

// EmbeddingAPIKey returns the API key for the configured embedding provider.
func EmbeddingAPIKey() string {
	switch EmbeddingProvider() {
	case "openai":
		return OpenAIAPIKey()
	default:
		return ""
	}
}

// VectorIndex returns where vectors live: "memory" (in-process) or "pgvector".
func VectorIndex() string {
	v := os.Getenv("VECTOR_INDEX")
	if v == "" {
		return "memory"
	}
	return v
}

func ConsolidationInterval() time.Duration {
	return durationEnv("CONSOLIDATION_INTERVAL", 10*time.Minute)
}

func PruneInterval() time.Duration {
	return durationEnv("PRUNE_INTERVAL", time.Hour)
}

// APIKey is the bearer token required on /v1 routes. Empty disables auth.
func APIKey() string {
	return os.Getenv("API_KEY")
}

// PolicyFile is an optional YAML file overriding the default memory policy.
func PolicyFile() string {
	return os.Getenv("MEMORY_POLICY_FILE")
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

func durationEnv(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
