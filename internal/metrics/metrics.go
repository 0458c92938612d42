// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts upload attempts by outcome
	// (accepted, duplicate, rejected, error).
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_uploads_total",
			Help: "Uploads received, by outcome.",
		},
		[]string{"outcome"},
	)

	// RecordsFinishedTotal counts records reaching a terminal state.
	RecordsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_records_finished_total",
			Help: "Records that reached a terminal state, by status and strategy.",
		},
		[]string{"status", "strategy"},
	)

	// ExtractionDuration observes one pipeline job from claim to terminal write.
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emlintake_record_processing_seconds",
			Help:    "Time from claim to terminal write.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// JobsTotal counts queue deliveries by kind and result (ack, retry, dead).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_jobs_total",
			Help: "Queue job deliveries, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// SweepDiscardedTotal counts rows soft-deleted by the retention sweep.
	SweepDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_sweep_discarded_total",
			Help: "Rows soft-deleted by the retention sweep, by pass.",
		},
		[]string{"pass"},
	)

	// SweepErrorsTotal counts failed retention passes.
	SweepErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_sweep_errors_total",
			Help: "Retention sweep passes that failed, by pass.",
		},
		[]string{"pass"},
	)

	// WatchdogActionsTotal counts records the watchdog timed out or re-enqueued.
	WatchdogActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_watchdog_actions_total",
			Help: "Watchdog interventions, by action.",
		},
		[]string{"action"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emlintake_http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emlintake_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request counts and latency labelled by the chi route
// pattern, so IDs in paths do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
