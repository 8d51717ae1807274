// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	IndexBuildsTotal     prometheus.Counter
	IndexBuildDuration   prometheus.Histogram
	IndexedTemplates     prometheus.Gauge
	IndexedTokens        prometheus.Gauge
	PipelineDispatches   prometheus.Counter
	PipelineStale        prometheus.Counter
	PipelineFailures     prometheus.Counter
	StoreSavesTotal      *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
}

// New creates all collectors and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "template_search_queries_total",
				Help: "Total template searches by outcome (hit, zero_result, empty_query, not_indexed, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "template_search_latency_seconds",
				Help:    "Template search latency in seconds by execution path (sync, pipeline).",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"path"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "template_search_results_count",
				Help:    "Number of templates returned per search.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 500},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits by cache (category, query).",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses by cache (category, query).",
			},
			[]string{"cache"},
		),
		IndexBuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_builds_total",
				Help: "Total wholesale index rebuilds.",
			},
		),
		IndexBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_build_duration_seconds",
				Help:    "Index rebuild latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		IndexedTemplates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_templates",
				Help: "Number of templates in the active index.",
			},
		),
		IndexedTokens: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_tokens",
				Help: "Number of distinct tokens in the active index.",
			},
		),
		PipelineDispatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_dispatches_total",
				Help: "Total background searches started by query pipelines.",
			},
		),
		PipelineStale: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_stale_results_total",
				Help: "Background search results discarded because a newer query was dispatched.",
			},
		),
		PipelineFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_failures_total",
				Help: "Background searches that failed and delivered an empty result.",
			},
		),
		StoreSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_saves_total",
				Help: "Template store writes by status.",
			},
			[]string{"status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "search_sessions_active",
				Help: "Number of open search sessions.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.IndexBuildsTotal,
		m.IndexBuildDuration,
		m.IndexedTemplates,
		m.IndexedTokens,
		m.PipelineDispatches,
		m.PipelineStale,
		m.PipelineFailures,
		m.StoreSavesTotal,
		m.ActiveSessions,
	)

	return m
}

// NewUnregistered creates collectors on a private registry. Used by tests and
// one-shot commands that never expose a scrape endpoint.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CounterValue reads the current value of a counter. Used by tests and the
// cache stats endpoint.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
