package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordConfirmation(t *testing.T) {
	before := testutil.ToFloat64(confirmationsTotal.WithLabelValues("confirmed"))
	RecordConfirmation("confirmed")
	RecordConfirmation("confirmed")

	if got := testutil.ToFloat64(confirmationsTotal.WithLabelValues("confirmed")) - before; got != 2 {
		t.Errorf("expected 2 confirmations recorded, got %v", got)
	}
}

func TestRecordNotification(t *testing.T) {
	before := testutil.ToFloat64(notificationsTotal.WithLabelValues("confirm", "failed"))
	RecordNotification("confirm", "failed")

	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("confirm", "failed")) - before; got != 1 {
		t.Errorf("expected 1 failed notification, got %v", got)
	}
}

func TestSetRemainingStock(t *testing.T) {
	SetRemainingStock("olive-oil", 7)
	if got := testutil.ToFloat64(remainingStock.WithLabelValues("olive-oil")); got != 7 {
		t.Errorf("expected remaining stock 7, got %v", got)
	}
	SetRemainingStock("olive-oil", 0)
	if got := testutil.ToFloat64(remainingStock.WithLabelValues("olive-oil")); got != 0 {
		t.Errorf("expected remaining stock 0, got %v", got)
	}
}

func TestRecordReminderSent(t *testing.T) {
	before := testutil.ToFloat64(remindersSent.WithLabelValues("reminder_pre"))
	RecordReminderSent("reminder_pre")
	if got := testutil.ToFloat64(remindersSent.WithLabelValues("reminder_pre")) - before; got != 1 {
		t.Errorf("expected 1 reminder, got %v", got)
	}
}

func TestObservers(t *testing.T) {
	ObserveConfirmationDuration("ok", 20*time.Millisecond)
	ObserveReminderRun(2 * time.Second)
	RecordExportRows(12)
	RecordIdempotencyHit()
	RecordRateLimitRejection("redis")
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("ses", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("ses")); got != 1 {
		t.Errorf("expected breaker state 1, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordConfirmation("confirmed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "preorder_confirmations_total") {
		t.Error("metrics output should contain preorder_confirmations_total")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/offers/{slug}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/offers/{slug}", "201"))

	req := httptest.NewRequest("GET", "/v1/offers/olive-oil", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/offers/{slug}", "201"))
	if after-before != 1 {
		t.Errorf("expected request to be recorded under the route pattern, got delta %v", after-before)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
