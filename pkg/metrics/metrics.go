// Package metrics owns the Prometheus collectors of the catalog search
// processes and the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catalog"

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	resultBuckets  = []float64{0, 1, 5, 10, 25, 50, 100}
)

// Metrics is shared by every component of one process; a nil *Metrics
// disables recording where components accept one.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RateLimitedTotal     prometheus.Counter

	// Query side
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	FuzzyExpansionsTotal prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheWritesTotal     prometheus.Counter

	// Build side
	DocsIndexedTotal *prometheus.CounterVec
	BatchesTotal     *prometheus.CounterVec
	BuildsTotal      *prometheus.CounterVec
	IndexErrorsTotal *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	CircuitBreakerState *prometheus.GaugeVec
	KafkaMessagesTotal  *prometheus.CounterVec
}

// New registers the collectors with the default registry. It may be called
// once per process.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}
	single := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}

	return &Metrics{
		HTTPRequestsTotal: counter("http", "requests_total", "HTTP requests by method, route and status.", "method", "path", "status"),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency by method and route.", Buckets: latencyBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "HTTP requests being served.",
		}),
		RateLimitedTotal: single("http", "rate_limited_total", "Requests rejected by the rate limiter."),

		SearchQueriesTotal: counter("search", "queries_total", "Searches by outcome: hit, zero_result or degraded.", "result_type"),
		SearchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "latency_seconds",
			Help: "Search latency by scorer.", Buckets: latencyBuckets[:9],
		}, []string{"scorer"}),
		SearchResultsCount: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "results_count",
			Help: "Documents returned per search.", Buckets: resultBuckets,
		}),
		FuzzyExpansionsTotal: single("search", "fuzzy_fallbacks_total", "Keywords resolved through the fuzzy fallback."),
		CacheHitsTotal:       single("cache", "hits_total", "Keyword resolutions served from the cache."),
		CacheMissesTotal:     single("cache", "misses_total", "Keyword resolutions computed against the index."),
		CacheWritesTotal:     single("cache", "writes_total", "Keyword resolutions slow enough to be cached."),

		DocsIndexedTotal: counter("index", "items_total", "Items indexed by kind.", "kind"),
		BatchesTotal:     counter("index", "batches_total", "Index batches by kind and result.", "kind", "result"),
		BuildsTotal:      counter("index", "builds_total", "Builds by final status.", "status"),
		IndexErrorsTotal: counter("index", "errors_total", "Index pipeline errors by severity and type.", "severity", "type"),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "index", Name: "queue_depth",
			Help: "Pending batches per role and kind.",
		}, []string{"role", "kind"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		KafkaMessagesTotal: counter("kafka", "messages_total", "Kafka messages by topic, direction and outcome.", "topic", "direction", "outcome"),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
