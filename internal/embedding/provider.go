package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Provider constants
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderMock   = "mock"
	ProviderNone   = "none"
)

const (
	DefaultCooldown = 30 * time.Second
	// defaultCacheCost bounds the query cache in bytes of vector data.
	defaultCacheCost = 64 << 20
	queryCacheName   = "embedding_query"
)

type ClientConfig struct {
	Provider string
	APIKey   string
	Model    string
	Host     string
}

// NewClient creates an embedding client based on the provider name. The
// "none" provider returns a nil client, which runs the system degraded.
func NewClient(cfg ClientConfig) (domain.EmbeddingClient, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for OpenAI embedding provider")
		}
		return NewOpenAIClient(cfg.APIKey, cfg.Model), nil

	case ProviderOllama:
		return NewOllamaClient(cfg.Host, cfg.Model), nil

	case ProviderMock:
		return NewMockClient(), nil

	case ProviderNone, "":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (valid options: openai, ollama, mock, none)", cfg.Provider)
	}
}

// CacheObserver receives query cache hits and misses.
type CacheObserver interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

type Options struct {
	// Cooldown is how long the provider reports itself unavailable after
	// a failed embed call.
	Cooldown time.Duration
	// CacheCost is the query cache budget in bytes. Zero uses the default;
	// a negative value disables the cache.
	CacheCost int64
	Observer  CacheObserver
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Provider puts a client and a vector index behind domain.EmbeddingProvider.
// Embeddings of identical text are cached and concurrent requests for the
// same text share one upstream call.
type Provider struct {
	client   domain.EmbeddingClient
	index    domain.VectorIndex
	cache    *ristretto.Cache
	group    singleflight.Group
	cooldown time.Duration
	observer CacheObserver
	clock    func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	downUntil time.Time
}

func NewProvider(client domain.EmbeddingClient, index domain.VectorIndex, opts Options) (*Provider, error) {
	if index == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Provider{
		client:   client,
		index:    index,
		cooldown: opts.Cooldown,
		observer: opts.Observer,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	if opts.CacheCost >= 0 {
		cost := opts.CacheCost
		if cost == 0 {
			cost = defaultCacheCost
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     cost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		p.cache = cache
	}
	return p, nil
}

// Available is false when there is no client or while a recent failure's
// cooldown is running.
func (p *Provider) Available(ctx context.Context) bool {
	if p.client == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.clock().Before(p.downUntil)
}

func (p *Provider) markDown(err error) {
	p.mu.Lock()
	p.downUntil = p.clock().Add(p.cooldown)
	p.mu.Unlock()
	p.logger.Warn("embedding provider unavailable",
		zap.Duration("cooldown", p.cooldown),
		zap.Error(err),
	)
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Available(ctx) {
		return nil, domain.ErrEmbeddingUnavailable
	}

	if p.cache != nil {
		if v, ok := p.cache.Get(text); ok {
			p.observe(true)
			return cloneVector(v.([]float32)), nil
		}
		p.observe(false)
	}

	v, err, _ := p.group.Do(text, func() (interface{}, error) {
		vec, err := p.client.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding client returned an empty vector")
		}
		if p.cache != nil {
			p.cache.Set(text, vec, int64(len(vec)*4))
		}
		return vec, nil
	})
	if err != nil {
		// A caller giving up is not the provider failing.
		if ctx.Err() == nil {
			p.markDown(err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, err)
	}
	return cloneVector(v.([]float32)), nil
}

func (p *Provider) observe(hit bool) {
	if p.observer == nil {
		return
	}
	if hit {
		p.observer.RecordCacheHit(queryCacheName)
	} else {
		p.observer.RecordCacheMiss(queryCacheName)
	}
}

func (p *Provider) Index(ctx context.Context, handle, text string) error {
	vec, err := p.Embed(ctx, text)
	if err != nil {
		return err
	}
	return p.index.Put(ctx, handle, vec)
}

// Vector prefers the stored vector and only embeds when the handle was
// never indexed.
func (p *Provider) Vector(ctx context.Context, handle, text string) ([]float32, error) {
	if handle != "" {
		vec, err := p.index.Get(ctx, handle)
		if err == nil {
			return vec, nil
		}
	}
	return p.Embed(ctx, text)
}

func (p *Provider) Nearest(ctx context.Context, vec []float32, k int) ([]domain.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	return p.index.Nearest(ctx, vec, k)
}

func (p *Provider) Remove(ctx context.Context, handle string) error {
	return p.index.Delete(ctx, handle)
}

func (p *Provider) Similarity(a, b []float32) float64 {
	return Cosine(a, b)
}

// Close releases the query cache.
func (p *Provider) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneVector(v []float32) []float32 {
	return append([]float32(nil), v...)
}
