package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preorder_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preorder_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	confirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preorder_confirmations_total",
			Help: "Registration confirmations by outcome",
		},
		[]string{"outcome"},
	)

	confirmationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preorder_confirmation_duration_seconds",
			Help:    "Time spent in the confirmation transaction, lock wait included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"status"},
	)

	remainingStock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preorder_remaining_stock",
			Help: "Remaining stock per offer as of the last confirmation",
		},
		[]string{"offer"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preorder_notifications_total",
			Help: "Notification delivery attempts by kind and status",
		},
		[]string{"kind", "status"},
	)

	remindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preorder_reminders_sent_total",
			Help: "Pickup reminders sent by kind",
		},
		[]string{"kind"},
	)

	reminderRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preorder_reminder_run_duration_seconds",
			Help:    "Duration of one reminder batch",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	exportRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preorder_export_rows_total",
			Help: "Rows written to order-list exports",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preorder_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preorder_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preorder_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"limiter"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordConfirmation counts one confirmation by outcome, e.g. "confirmed",
// "insufficient_stock" or "conflict".
func RecordConfirmation(outcome string) {
	confirmationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveConfirmationDuration(status string, d time.Duration) {
	confirmationDuration.WithLabelValues(status).Observe(d.Seconds())
}

func SetRemainingStock(offer string, remaining int) {
	remainingStock.WithLabelValues(offer).Set(float64(remaining))
}

func RecordNotification(kind, status string) {
	notificationsTotal.WithLabelValues(kind, status).Inc()
}

func RecordReminderSent(kind string) {
	remindersSent.WithLabelValues(kind).Inc()
}

func ObserveReminderRun(d time.Duration) {
	reminderRunDuration.Observe(d.Seconds())
}

func RecordExportRows(n int) {
	exportRows.Add(float64(n))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// slugs and ids do not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
