// Package metrics exposes the hub's ambient Prometheus surface. Non-goals
// in spec.md scope out "observability layers" as a user-facing feature,
// never as ambient instrumentation — see SPEC_FULL.md's Ambient Stack.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of Prometheus collectors the hub maintains.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	BuildsStarted  *prometheus.CounterVec
	BuildsFinished *prometheus.CounterVec
	BuildDuration  *prometheus.HistogramVec

	ChatsActive               *prometheus.GaugeVec
	ChatTransitionsTotal      *prometheus.CounterVec
	CredentialResolutionTotal *prometheus.CounterVec
	EventBusDroppedTotal      prometheus.Counter

	registry *prometheus.Registry
}

// New creates every collector and registers it against a dedicated
// registry (rather than the global default registry) so that multiple
// hub instances — and multiple tests in the same binary — never collide
// on duplicate registration.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hub_http_requests_total",
			Help: "Total number of HTTP requests served by the hub.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_hub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		BuildsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hub_builds_started_total",
			Help: "Total project builds started.",
		}, []string{"project_id"}),

		BuildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hub_builds_finished_total",
			Help: "Total project builds finished, by terminal status.",
		}, []string{"project_id", "status"}),

		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_hub_build_duration_seconds",
			Help:    "Wall-clock duration of project builds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"project_id"}),

		ChatsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_hub_chats_active",
			Help: "Current number of chats by status.",
		}, []string{"status"}),

		ChatTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hub_chat_transitions_total",
			Help: "Chat status machine transitions.",
		}, []string{"from", "to"}),

		CredentialResolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_hub_credential_resolution_total",
			Help: "Credential broker resolution outcomes.",
		}, []string{"outcome"}),

		EventBusDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_hub_event_bus_dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BuildsStarted,
		m.BuildsFinished,
		m.BuildDuration,
		m.ChatsActive,
		m.ChatTransitionsTotal,
		m.CredentialResolutionTotal,
		m.EventBusDroppedTotal,
	)

	return m
}

// RequestTrackingMiddleware wraps an http.Handler, recording request count
// and latency, adapted from the teacher's identically named middleware.
func (m *Metrics) RequestTrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler for /metrics, bound to
// this instance's own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
