package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harshitk-cp/memtier/internal/api"
	"github.com/Harshitk-cp/memtier/internal/buildconfig"
	"github.com/Harshitk-cp/memtier/internal/config"
	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/embedding"
	"github.com/Harshitk-cp/memtier/internal/metrics"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/Harshitk-cp/memtier/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()
	logger.Info("starting memtier", zap.String("version", buildconfig.Get().String()))

	policy, err := config.LoadPolicy()
	if err != nil {
		logger.Fatal("invalid memory policy", zap.Error(err))
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	if config.PersistenceDriver() == "postgres" || config.VectorIndex() == "pgvector" {
		pool = connectPostgres(ctx, logger)
		defer pool.Close()
	}

	persist, closePersist := openPersistence(ctx, pool, logger)
	defer closePersist()

	collector := metrics.NewCollector("memtier", logger)
	provider := openEmbeddings(ctx, pool, collector, logger)
	defer provider.Close()

	coord, err := service.NewCoordinator(service.Options{
		Persistence: persist,
		Embeddings:  provider,
		Policy:      policy,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to create coordinator", zap.Error(err))
	}

	loaded, err := coord.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load memories", zap.Error(err))
	}
	logger.Info("memories loaded", zap.Int("count", loaded))

	scheduler := service.NewScheduler(coord, logger)
	scheduler.SetIntervals(config.ConsolidationInterval(), config.PruneInterval())
	scheduler.Start()

	var ping func(context.Context) error
	if pool != nil {
		ping = pool.Ping
	}
	app := api.NewApp(api.Config{
		Coordinator:    coord,
		Metrics:        collector,
		Logger:         logger,
		APIKey:         config.APIKey(),
		RateLimitRPS:   config.RateLimitRPS(),
		RateLimitBurst: config.RateLimitBurst(),
		Ping:           ping,
	})
	app.Start()

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	app.Stop()
	scheduler.Stop()

	if err := coord.Flush(shutdownCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func connectPostgres(ctx context.Context, logger *zap.Logger) *pgxpool.Pool {
	dbURL := config.DatabaseURL()
	if dbURL == "" {
		logger.Fatal("DATABASE_URL is required for postgres persistence or the pgvector index")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}
	logger.Info("connected to database")
	return pool
}

func openPersistence(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (domain.PersistentStore, func()) {
	driver := config.PersistenceDriver()
	noop := func() {}

	switch driver {
	case "postgres":
		s := store.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare memories table", zap.Error(err))
		}
		logger.Info("persistence ready", zap.String("driver", driver))
		return s, noop
	case "sqlite":
		s, err := store.NewSQLiteStore(config.SQLitePath())
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.String("path", config.SQLitePath()), zap.Error(err))
		}
		logger.Info("persistence ready", zap.String("driver", driver), zap.String("path", config.SQLitePath()))
		return s, func() { _ = s.Close() }
	case "redis":
		s, err := store.NewRedisStore(ctx, config.RedisURL(), "")
		if err != nil {
			logger.Fatal("failed to open redis store", zap.Error(err))
		}
		logger.Info("persistence ready", zap.String("driver", driver))
		return s, func() { _ = s.Close() }
	case "none":
		logger.Warn("persistence disabled; memories live only in this process")
		return nil, noop
	default:
		logger.Fatal("unknown persistence driver", zap.String("driver", driver))
		return nil, noop
	}
}

func openEmbeddings(ctx context.Context, pool *pgxpool.Pool, collector *metrics.Collector, logger *zap.Logger) *embedding.Provider {
	providerName := config.EmbeddingProvider()
	client, err := embedding.NewClient(embedding.ClientConfig{
		Provider: providerName,
		APIKey:   config.EmbeddingAPIKey(),
		Model:    config.EmbeddingModel(),
		Host:     config.OllamaHost(),
	})
	if err != nil {
		// Degraded mode: search falls back to lexical matching.
		logger.Warn("Embedding client initialization failed", zap.String("provider", providerName), zap.Error(err))
		client = nil
	} else if client != nil {
		logger.Info("Embedding client initialized", zap.String("provider", providerName))
	}

	var index domain.VectorIndex
	switch config.VectorIndex() {
	case "pgvector":
		pg := embedding.NewPgVectorIndex(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare vector table", zap.Error(err))
		}
		index = pg
	case "memory":
		mem, err := embedding.NewChromemIndex()
		if err != nil {
			logger.Fatal("failed to create vector index", zap.Error(err))
		}
		index = mem
	default:
		logger.Fatal("unknown vector index", zap.String("index", config.VectorIndex()))
	}

	provider, err := embedding.NewProvider(client, index, embedding.Options{
		Observer: collector,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to create embedding provider", zap.Error(err))
	}
	return provider
}
