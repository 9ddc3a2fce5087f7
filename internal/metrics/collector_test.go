package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCollector_SeparateRegistries(t *testing.T) {
	a := NewCollector("memtier", zap.NewNop())
	b := NewCollector("memtier", zap.NewNop())

	a.RecordSearch(false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.searchesTotal.WithLabelValues("hybrid")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.searchesTotal.WithLabelValues("hybrid")))
}

func TestCollector_RecordPass(t *testing.T) {
	c := NewCollector("memtier", zap.NewNop())

	c.RecordPass("consolidation", "manual", "ok", 20*time.Millisecond, 3)
	c.RecordPass("consolidation", "manual", "ok", 10*time.Millisecond, 0)
	c.RecordPass("pruning", "capacity_bound", "error", time.Millisecond, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.passesTotal.WithLabelValues("consolidation", "manual", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.passChanges.WithLabelValues("consolidation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.passesTotal.WithLabelValues("pruning", "capacity_bound", "error")))
}

func TestCollector_LayerGaugesAndEvictions(t *testing.T) {
	c := NewCollector("memtier", zap.NewNop())

	c.SetLayerSize("working", 12)
	c.SetLayerSize("working", 9)
	c.RecordEvictions("working", 3)
	c.RecordEvictions("episodic", 0)

	assert.Equal(t, 9.0, testutil.ToFloat64(c.layerSize.WithLabelValues("working")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.evictedTotal.WithLabelValues("working")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.evictedTotal))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("memtier", zap.NewNop())
	c.RecordHTTPRequest(http.MethodGet, "/v1/search", 200, 5*time.Millisecond)
	c.RecordCacheHit("embedding")
	c.RecordCacheMiss("embedding")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `memtier_http_requests_total{method="GET",route="/v1/search",status="200"} 1`))
	assert.True(t, strings.Contains(body, `memtier_cache_hits_total{cache="embedding"} 1`))
}
