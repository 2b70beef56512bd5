// Package observability provides Prometheus metrics, health checks and
// the HTTP server that exposes them.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amira_messages_total",
			Help: "Total number of messages handled",
		},
		[]string{"role"},
	)

	messageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "amira_message_duration_seconds",
			Help:    "End-to-end message handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Extraction metrics
	extractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amira_extractions_total",
			Help: "Total number of emotion extractions",
		},
		[]string{"status"},
	)

	// Composer metrics
	composerFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amira_composer_fallbacks_total",
			Help: "Total number of fallback replies sent",
		},
	)

	// Session metrics
	sessionsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amira_sessions_opened_total",
			Help: "Total number of sessions opened",
		},
	)

	sessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amira_sessions_closed_total",
			Help: "Total number of sessions closed",
		},
		[]string{"reason"},
	)

	openSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "amira_open_sessions",
			Help: "Number of currently open sessions",
		},
	)

	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "amira_session_duration_seconds",
			Help:    "Closed session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		},
	)

	// Report metrics
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "amira_reports_total",
			Help: "Total number of reports built",
		},
		[]string{"status"},
	)

	reportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "amira_report_duration_seconds",
			Help:    "Report build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			messageDuration,
			extractionsTotal,
			composerFallbacksTotal,
			sessionsOpenedTotal,
			sessionsClosedTotal,
			openSessions,
			sessionDuration,
			reportsTotal,
			reportDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage records one handled message.
func RecordMessage(role, status string, duration time.Duration) {
	messagesTotal.WithLabelValues(role).Inc()
	messageDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordExtraction records an emotion extraction outcome.
// Status is "ok" or "degraded".
func RecordExtraction(status string) {
	extractionsTotal.WithLabelValues(status).Inc()
}

// RecordComposerFallback records a fallback reply.
func RecordComposerFallback() {
	composerFallbacksTotal.Inc()
}

// RecordSessionOpened records a session open.
func RecordSessionOpened() {
	sessionsOpenedTotal.Inc()
}

// RecordSessionClosed records a session close.
// Reason is "inactivity", "sweep" or "explicit".
func RecordSessionClosed(reason string, duration time.Duration) {
	sessionsClosedTotal.WithLabelValues(reason).Inc()
	sessionDuration.Observe(duration.Seconds())
}

// SetOpenSessions sets the open sessions gauge.
func SetOpenSessions(count int) {
	openSessions.Set(float64(count))
}

// RecordReport records a report build.
func RecordReport(status string, duration time.Duration) {
	reportsTotal.WithLabelValues(status).Inc()
	reportDuration.Observe(duration.Seconds())
}
