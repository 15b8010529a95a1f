// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks gateway-level Prometheus metrics.
//
// Metric families:
//   - <ns>_requests_total: request count by group, model, status
//   - <ns>_request_duration_seconds: request duration histogram
//   - <ns>_request_tokens_total: tokens processed, by direction
//   - <ns>_key_health: per-group key counts by derived status
//   - <ns>_log_queue_depth: pending items in the log pipeline
//   - <ns>_log_queue_dropped_total: items dropped by back-pressure
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	keyHealth       *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	queueDropped    prometheus.Counter
}

// New creates and registers gateway metrics on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"group", "model", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of proxied requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
			},
			[]string{"group", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_tokens_total",
				Help:      "Total number of tokens processed",
			},
			[]string{"group", "model", "type"},
		),

		keyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "key_health",
				Help:      "Number of keys per group by derived health status",
			},
			[]string{"group", "status"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "log_queue_depth",
				Help:      "Pending items in the request log pipeline",
			},
		),

		queueDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_queue_dropped_total",
				Help:      "Request log items dropped by queue back-pressure",
			},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.keyHealth,
		m.queueDepth,
		m.queueDropped,
	)

	return m
}

// RecordRequest records a completed proxied request.
func (m *Metrics) RecordRequest(group, model string, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(group, model, status).Inc()
	m.requestDuration.WithLabelValues(group, model).Observe(duration.Seconds())
}

// RecordTokens records token usage for a completed request.
func (m *Metrics) RecordTokens(group, model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.tokensTotal.WithLabelValues(group, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.tokensTotal.WithLabelValues(group, model, "completion").Add(float64(completionTokens))
	}
}

// SetKeyHealth sets the gauge for one (group, status) pair.
func (m *Metrics) SetKeyHealth(group, status string, count int) {
	m.keyHealth.WithLabelValues(group, status).Set(float64(count))
}

// SetQueueDepth reports the current log queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// IncQueueDropped counts one dropped log item.
func (m *Metrics) IncQueueDropped() {
	m.queueDropped.Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
