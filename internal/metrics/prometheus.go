// Package metrics defines the Prometheus instrumentation for the
// transcription session service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsEvicted prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsSwept     prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Streaming transcription metrics
	StreamingPasses       prometheus.Counter
	StreamingPassFailures prometheus.Counter

	// Finalization metrics
	Finalizations        prometheus.Counter
	FinalizationFailures prometheus.Counter
	FinalizationDuration prometheus.Histogram
	NoteFallbacks        prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "archimed_active_connections",
			Help: "Current number of live websocket connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		ConnectionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_connections_evicted_total",
			Help: "Total number of connections evicted for inactivity",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "archimed_active_sessions",
			Help: "Current number of live session records",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_sessions_completed_total",
			Help: "Total number of sessions finalized successfully",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_sessions_failed_total",
			Help: "Total number of sessions finalized with an error",
		}),
		SessionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_sessions_swept_total",
			Help: "Total number of sessions removed by the age sweep",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archimed_session_duration_seconds",
			Help:    "Duration of sessions from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		StreamingPasses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_streaming_passes_total",
			Help: "Total number of incremental transcription passes started",
		}),
		StreamingPassFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_streaming_pass_failures_total",
			Help: "Total number of incremental transcription passes that failed",
		}),

		Finalizations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_finalizations_total",
			Help: "Total number of finalization pipelines started",
		}),
		FinalizationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_finalization_failures_total",
			Help: "Total number of finalization pipelines that ended in error",
		}),
		FinalizationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archimed_finalization_duration_seconds",
			Help:    "Duration of finalization pipelines",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8.5 minutes
		}),
		NoteFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archimed_note_fallbacks_total",
			Help: "Total number of notes produced by the deterministic fallback",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "archimed_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archimed_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordConnection records a newly accepted connection.
func (m *Metrics) RecordConnection() {
	m.ConnectionsTotal.Inc()
}

// SetActiveConnections sets the live connection gauge.
func (m *Metrics) SetActiveConnections(count int) {
	m.ActiveConnections.Set(float64(count))
}

// RecordConnectionEvicted records one connection removed by the inactivity
// sweep.
func (m *Metrics) RecordConnectionEvicted() {
	m.ConnectionsEvicted.Inc()
}

// RecordSessionsSwept records sessions removed by one age sweep.
func (m *Metrics) RecordSessionsSwept(count int) {
	m.SessionsSwept.Add(float64(count))
}

// RecordSessionDuration observes a session's lifetime from creation to its
// terminal state.
func (m *Metrics) RecordSessionDuration(seconds float64) {
	m.SessionDuration.Observe(seconds)
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordFinalization records one pipeline run and its outcome.
func (m *Metrics) RecordFinalization(durationSeconds float64, failed bool) {
	m.Finalizations.Inc()
	m.FinalizationDuration.Observe(durationSeconds)
	if failed {
		m.FinalizationFailures.Inc()
		m.SessionsFailed.Inc()
	} else {
		m.SessionsCompleted.Inc()
	}
}

// RecordNoteFallback increments the fallback note counter.
func (m *Metrics) RecordNoteFallback() {
	m.NoteFallbacks.Inc()
}

// RecordStreamingPass records one incremental pass attempt.
func (m *Metrics) RecordStreamingPass(failed bool) {
	m.StreamingPasses.Inc()
	if failed {
		m.StreamingPassFailures.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
