package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Syndication domain metrics.
var (
	revocationJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syndication_revocation_jobs_total",
			Help: "Revocation jobs created, by trigger reason.",
		},
		[]string{"trigger"},
	)

	removalCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syndication_removal_commands_total",
			Help: "Removal command outcomes against destination sites.",
		},
		[]string{"outcome"}, // confirmed | failed | retried
	)

	removalLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syndication_removal_confirm_seconds",
			Help:    "Time from removal command issue to destination confirmation.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
		},
	)

	engagementEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syndication_engagement_events_total",
			Help: "Engagement events ingested, by type.",
		},
		[]string{"type"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		revocationJobsTotal, removalCommandsTotal, removalLatency,
		engagementEventsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RevocationJobCreated counts a new revocation job.
func RevocationJobCreated(trigger string) {
	revocationJobsTotal.WithLabelValues(trigger).Inc()
}

// RemovalCommandOutcome counts a removal command result.
func RemovalCommandOutcome(outcome string) {
	removalCommandsTotal.WithLabelValues(outcome).Inc()
}

// RemovalConfirmed observes time-to-confirmation for a removal.
func RemovalConfirmed(d time.Duration) {
	removalLatency.Observe(d.Seconds())
}

// EngagementEvent counts one ingested engagement event.
func EngagementEvent(eventType string) {
	engagementEventsTotal.WithLabelValues(eventType).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
