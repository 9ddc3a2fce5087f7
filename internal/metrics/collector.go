// Package metrics exposes Prometheus instruments for the memory service.
// Each Collector owns its own registry so tests and multiple instances do
// not collide on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	passesTotal   *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	passChanges   *prometheus.CounterVec
	evictedTotal  *prometheus.CounterVec
	layerSize     *prometheus.GaugeVec
	searchesTotal *prometheus.CounterVec
	searchLatency prometheus.Histogram

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.passesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Consolidation and pruning passes by kind, trigger and outcome",
		},
		[]string{"kind", "trigger", "outcome"},
	)
	c.passDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Pass duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind"},
	)
	c.passChanges = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_changes_total",
			Help:      "Memories moved, merged or evicted by passes",
		},
		[]string{"kind"},
	)
	c.evictedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_total",
			Help:      "Memories evicted per layer",
		},
		[]string{"layer"},
	)
	c.layerSize = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_size",
			Help:      "Memories currently held per layer",
		},
		[]string{"layer"},
	)
	c.searchesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_total",
			Help:      "Searches by ranking mode",
		},
		[]string{"mode"},
	)
	c.searchLatency = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)
	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordPass records a finished pass. Outcome is "ok", "cancelled" or
// "error".
func (c *Collector) RecordPass(kind, trigger, outcome string, duration time.Duration, changes int) {
	c.passesTotal.WithLabelValues(kind, trigger, outcome).Inc()
	c.passDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if changes > 0 {
		c.passChanges.WithLabelValues(kind).Add(float64(changes))
	}
}

func (c *Collector) RecordEvictions(layer string, n int) {
	if n > 0 {
		c.evictedTotal.WithLabelValues(layer).Add(float64(n))
	}
}

func (c *Collector) SetLayerSize(layer string, n int) {
	c.layerSize.WithLabelValues(layer).Set(float64(n))
}

func (c *Collector) RecordSearch(degraded bool, duration time.Duration) {
	mode := "hybrid"
	if degraded {
		mode = "lexical"
	}
	c.searchesTotal.WithLabelValues(mode).Inc()
	c.searchLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}
