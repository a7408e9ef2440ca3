package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera stream proxy.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	sessionsCreatedTotal   prometheus.Counter
	acquireFailuresTotal   *prometheus.CounterVec
	targetFailuresTotal    *prometheus.CounterVec
	segmentRetriesTotal    prometheus.Counter
	upstreamTransientTotal *prometheus.CounterVec
	refsSkippedTotal       prometheus.Counter
	activeSessions         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the proxy.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_stream_sessions_created_total",
			Help: "Total number of proxy stream sessions created",
		}),
		acquireFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camera_stream_acquire_failures_total",
			Help: "Stream session requests that failed, by reason",
		}, []string{"reason"}),
		targetFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camera_stream_target_failures_total",
			Help: "Per-target stream negotiation failures, by target label",
		}, []string{"target"}),
		segmentRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_segment_retries_total",
			Help: "Segment fetch retries scheduled after an upstream failure",
		}),
		upstreamTransientTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camera_upstream_transient_total",
			Help: "Transient upstream conditions answered with 503 and Retry-After",
		}, []string{"kind"}),
		refsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camera_playlist_refs_skipped_total",
			Help: "Playlist references left unrewritten because they escape the session directory",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camera_active_stream_sessions",
			Help: "Number of live proxy stream sessions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreatedTotal,
		m.acquireFailuresTotal,
		m.targetFailuresTotal,
		m.segmentRetriesTotal,
		m.upstreamTransientTotal,
		m.refsSkippedTotal,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsCreated increments the created sessions counter.
func (m *Metrics) IncSessionsCreated() {
	m.sessionsCreatedTotal.Inc()
}

// IncAcquireFailure records a failed session request; reason is one of
// "timeout", "unavailable", "integration".
func (m *Metrics) IncAcquireFailure(reason string) {
	m.acquireFailuresTotal.WithLabelValues(reason).Inc()
}

// IncTargetFailure records a negotiation failure against one target.
func (m *Metrics) IncTargetFailure(label string) {
	m.targetFailuresTotal.WithLabelValues(label).Inc()
}

// IncSegmentRetries increments the segment retry counter.
func (m *Metrics) IncSegmentRetries() {
	m.segmentRetriesTotal.Inc()
}

// IncUpstreamTransient records a 503 handed to the client; kind is
// "playlist" or "segment".
func (m *Metrics) IncUpstreamTransient(kind string) {
	m.upstreamTransientTotal.WithLabelValues(kind).Inc()
}

// AddRefsSkipped adds n unrewritten playlist references.
func (m *Metrics) AddRefsSkipped(n int) {
	m.refsSkippedTotal.Add(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
