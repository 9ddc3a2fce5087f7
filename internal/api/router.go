package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Harshitk-cp/memtier/internal/api/handlers"
	mw "github.com/Harshitk-cp/memtier/internal/api/middleware"
	"github.com/Harshitk-cp/memtier/internal/buildconfig"
	"github.com/Harshitk-cp/memtier/internal/metrics"
	"github.com/Harshitk-cp/memtier/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const limiterCleanupInterval = 10 * time.Minute

// Config wires the HTTP surface. Ping, when set, is checked by /health so a
// lost database connection shows up there.
type Config struct {
	Coordinator    *service.Coordinator
	Metrics        *metrics.Collector
	Logger         *zap.Logger
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	Ping           func(ctx context.Context) error
}

// App holds the router and the background pieces it owns.
type App struct {
	Router  *chi.Mux
	limiter *mw.RateLimiter
	stop    chan struct{}
}

func NewApp(cfg Config) *App {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	memoryHandler := handlers.NewMemoryHandler(cfg.Coordinator)
	searchHandler := handlers.NewSearchHandler(cfg.Coordinator)
	maintenanceHandler := handlers.NewMaintenanceHandler(cfg.Coordinator)

	r := chi.NewRouter()
	app := &App{
		Router:  r,
		limiter: mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		stop:    make(chan struct{}),
	}

	// Global middleware (order matters)
	r.Use(mw.RequestID(cfg.Logger))
	r.Use(middleware.RealIP)
	if cfg.Metrics != nil {
		r.Use(mw.Metrics(cfg.Metrics))
	}
	r.Use(mw.Logging(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.RateLimitRPS > 0 {
		r.Use(app.limiter.Middleware)
	}

	// Health and metrics (no auth)
	r.Get("/health", healthHandler(cfg.Coordinator, cfg.Ping))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.BearerAuth(cfg.APIKey))

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Patch("/", memoryHandler.Update)
				r.Delete("/", memoryHandler.Delete)
				r.Get("/associations", memoryHandler.Associations)
				r.Post("/associations", memoryHandler.Associate)
				r.Get("/similar", memoryHandler.Similar)
			})
		})

		r.Route("/search", func(r chi.Router) {
			r.Get("/", searchHandler.Search)
			r.Get("/entity/{entity}", searchHandler.ByEntity)
			r.Get("/topic/{topic}", searchHandler.ByTopic)
		})
		r.Get("/recent", searchHandler.Recent)

		r.Post("/consolidate", maintenanceHandler.Consolidate)
		r.Post("/prune", maintenanceHandler.Prune)
		r.Post("/reflect", maintenanceHandler.Reflect)
		r.Get("/stats", maintenanceHandler.Stats)
		r.Post("/flush", maintenanceHandler.Flush)
	})

	return app
}

// Start launches the limiter cleanup loop.
func (app *App) Start() {
	go app.limiter.RunCleanup(limiterCleanupInterval, app.stop)
}

func (app *App) Stop() {
	close(app.stop)
}

type healthResponse struct {
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	Embeddings bool             `json:"embeddings_available"`
	Build      buildconfig.Info `json:"build"`
}

func healthHandler(coord *service.Coordinator, ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:     "ok",
			Embeddings: coord.GetStats(r.Context()).EmbeddingsAvailable,
			Build:      buildconfig.Get(),
		}
		status := http.StatusOK
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				resp.Status = "error"
				resp.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, resp)
	}
}
