package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveStage("linux-x64", "packaging", time.Second)
	m.BuildResult("linux-x64", "success")
	m.RuntimeCacheHit()
	m.ServerEvent("started")
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.BuildResult("linux-x64", "success")
	m.BuildResult("linux-x64", "success")
	m.RuntimeCacheHit()
	m.ServerEvent("started")
	m.ServerEvent("started")
	m.ServerEvent("crashed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.buildResults.WithLabelValues("linux-x64", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runtimeCacheHit))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeServers))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "phpack_build_results_total"))
	assert.True(t, strings.Contains(body, "phpack_runtime_cache_hits_total 1"))
}
