// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	HandlerActivations *prometheus.CounterVec
	QueueDeferred      *prometheus.CounterVec
	QueueReplayed      prometheus.Counter
	LateResponses      *prometheus.CounterVec
	QueueBlocked       *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhr_adaptor_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xhr_adaptor_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xhr_adaptor_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xhr_adaptor_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhr_adaptor_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		HandlerActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhr_adaptor_queue_handler_activations_total",
			Help: "Responses routed to a response handler, by pattern.",
		}, []string{"pattern"}),

		QueueDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhr_adaptor_queue_deferred_sends_total",
			Help: "Sends held because their pattern was blocked.",
		}, []string{"pattern"}),

		QueueReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xhr_adaptor_queue_replayed_sends_total",
			Help: "Held sends replayed by a continuation.",
		}),

		LateResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xhr_adaptor_queue_late_responses_total",
			Help: "Responses that completed while their pattern was blocked.",
		}, []string{"pattern", "policy"}),

		QueueBlocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xhr_adaptor_queue_blocked",
			Help: "1 while the pattern is blocked waiting for its continuation.",
		}, []string{"pattern"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xhr_adaptor_queue_depth",
			Help: "Number of held sends.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.HandlerActivations,
		m.QueueDeferred,
		m.QueueReplayed,
		m.LateResponses,
		m.QueueBlocked,
		m.QueueDepth,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[strings.ToUpper(method)] {
		return strings.ToUpper(method)
	}
	return "other"
}

// knownPrefixes lists the locally served path label values. Everything else
// is proxied.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "proxied"
}
