// Package metrics exposes phpack's Prometheus collectors. All recording
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var stageBuckets = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 180, 600}

// Metrics holds every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	buildResults    *prometheus.CounterVec
	runtimeFetches  *prometheus.CounterVec
	runtimeCacheHit prometheus.Counter
	serverEvents    *prometheus.CounterVec
	activeServers   prometheus.Gauge
	depInstalls     *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phpack",
		Subsystem: "build",
		Name:      "stage_duration_seconds",
		Help:      "Duration of build pipeline stages",
		Buckets:   stageBuckets,
	}, []string{"platform", "stage"})

	m.buildResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "build",
		Name:      "results_total",
		Help:      "Terminal platform build outcomes",
	}, []string{"platform", "status"})

	m.runtimeFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "runtime",
		Name:      "fetches_total",
		Help:      "PHP runtime downloads by source and outcome",
	}, []string{"source", "outcome"})

	m.runtimeCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "runtime",
		Name:      "cache_hits_total",
		Help:      "Runtime provision requests served from the local cache",
	})

	m.serverEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "server",
		Name:      "lifecycle_events_total",
		Help:      "Preview server lifecycle transitions",
	}, []string{"event"})

	m.activeServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "phpack",
		Subsystem: "server",
		Name:      "active",
		Help:      "Preview servers currently running",
	})

	m.depInstalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "deps",
		Name:      "installs_total",
		Help:      "Composer install runs by outcome",
	}, []string{"outcome"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phpack",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed API requests",
	}, []string{"method", "route", "status"})

	m.registry.MustRegister(
		m.stageDuration, m.buildResults, m.runtimeFetches, m.runtimeCacheHit,
		m.serverEvents, m.activeServers, m.depInstalls, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a pipeline stage ran
func (m *Metrics) ObserveStage(platform, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(platform, stage).Observe(d.Seconds())
}

// BuildResult counts a terminal platform outcome
func (m *Metrics) BuildResult(platform, status string) {
	if m == nil {
		return
	}
	m.buildResults.WithLabelValues(platform, status).Inc()
}

// RuntimeFetch counts a runtime download attempt
func (m *Metrics) RuntimeFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.runtimeFetches.WithLabelValues(source, outcome).Inc()
}

// RuntimeCacheHit counts a provision served from cache
func (m *Metrics) RuntimeCacheHit() {
	if m == nil {
		return
	}
	m.runtimeCacheHit.Inc()
}

// ServerEvent counts started, stopped and crashed transitions and keeps the
// active gauge in step.
func (m *Metrics) ServerEvent(event string) {
	if m == nil {
		return
	}
	m.serverEvents.WithLabelValues(event).Inc()
	switch event {
	case "started":
		m.activeServers.Inc()
	case "stopped", "crashed":
		m.activeServers.Dec()
	}
}

// DependencyInstall counts a composer install outcome
func (m *Metrics) DependencyInstall(outcome string) {
	if m == nil {
		return
	}
	m.depInstalls.WithLabelValues(outcome).Inc()
}

// HTTPRequest counts an API request
func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}
