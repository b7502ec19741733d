// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// hopBuckets cover the redirect limit range.
var hopBuckets = []float64{0, 1, 2, 3, 5, 10, 20}

// Rewrite outcome label values.
const (
	OutcomeRewritten = "rewritten"
	OutcomeFallback  = "fallback"
	OutcomeOversize  = "oversize"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RedirectHops     prometheus.Histogram
	RedirectFailures *prometheus.CounterVec
	RewriteOutcomes  *prometheus.CounterVec
	RelayedBytes     prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_upstream_request_duration_seconds",
			Help:    "Upstream hop latency to response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RedirectHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rewrite_proxy_redirect_hops",
			Help:    "Redirects followed per proxied request.",
			Buckets: hopBuckets,
		}),

		RedirectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_redirect_failures_total",
			Help: "Redirect chains aborted, by reason.",
		}, []string{"reason"}),

		RewriteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_proxy_rewrite_outcomes_total",
			Help: "Document rewrite results by kind (html, css) and outcome.",
		}, []string{"kind", "outcome"}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_proxy_relayed_bytes_total",
			Help: "Bytes streamed to clients without rewriting.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RedirectHops,
		m.RedirectFailures,
		m.RewriteOutcomes,
		m.RelayedBytes,
	)

	return m
}

// ObserveSessions registers a gauge reporting the number of live sessions.
func (m *Metrics) ObserveSessions(count func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rewrite_proxy_sessions",
		Help: "Sessions currently holding upstream cookies.",
	}, func() float64 { return float64(count()) }))
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/proxy", "/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Raw-style proxy paths (/https://...) are reported as "raw".
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	lower := strings.ToLower(path)
	if strings.HasPrefix(lower, "/http:") || strings.HasPrefix(lower, "/https:") {
		return "raw"
	}
	return "other"
}
