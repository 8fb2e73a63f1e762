package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the relay. All methods are
// safe for concurrent use.
type Metrics struct {
	requestsTotal prometheus.Counter
	successTotal  prometheus.Counter
	errorsTotal   *prometheus.CounterVec
	inFlight      prometheus.Gauge
	streamedBytes prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_requests_total",
			Help: "Total number of relay requests received",
		}),

		successTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_success_total",
			Help: "Total number of relay requests completed successfully",
		}),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "veil_errors_total",
				Help: "Total number of failed relay requests by error kind",
			},
			[]string{"type"},
		),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "veil_in_flight_requests",
			Help: "Number of relay requests currently being served",
		}),

		streamedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_streamed_bytes",
			Help:    "Bytes streamed downstream per successful request",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.successTotal,
		m.errorsTotal,
		m.inFlight,
		m.streamedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the /metrics endpoint handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestStarted records an inbound relay request.
func (m *Metrics) RequestStarted() {
	m.requestsTotal.Inc()
	m.inFlight.Inc()
}

// RequestFinished decrements the in-flight gauge.
func (m *Metrics) RequestFinished() {
	m.inFlight.Dec()
}

// RecordSuccess records a completed relay and the bytes it forwarded.
func (m *Metrics) RecordSuccess(bytes int64) {
	m.successTotal.Inc()
	m.streamedBytes.Observe(float64(bytes))
}

// RecordError records a failed relay partitioned by error kind.
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}
