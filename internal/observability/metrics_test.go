package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `vsla_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `vsla_http_request_duration_seconds_bucket{route="/test"`)
}

func TestDomainCollectors(t *testing.T) {
	metrics := NewMetrics()

	metrics.ObserveMeeting("completed", 2, 0, 120*time.Millisecond)
	metrics.ObserveMeeting("failed", 0, 1, 40*time.Millisecond)
	metrics.ObserveLoanEvent("loan.payment", decimal.NewFromInt(1500))
	metrics.ObserveShareout("shareout.calculate", decimal.NewFromInt(7000))
	metrics.ObserveShareout("shareout.approve", decimal.NewFromInt(7000))

	body := scrape(t, metrics)
	require.Contains(t, body, `vsla_meetings_processed_total{outcome="completed"} 1`)
	require.Contains(t, body, `vsla_meeting_issues_total{severity="warning"} 2`)
	require.Contains(t, body, `vsla_meeting_issues_total{severity="error"} 1`)
	require.Contains(t, body, `vsla_loan_event_amount_total{kind="loan.payment"} 1500`)
	require.Contains(t, body, `vsla_shareout_actions_total{action="shareout.approve"} 1`)
	require.Contains(t, body, "vsla_shareout_payout_count 1")
	require.Contains(t, body, "vsla_meeting_processing_seconds_count 2")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMeeting("completed", 0, 0, time.Second)
	m.ObserveLoanEvent("loan.waiver", decimal.NewFromInt(1))
	m.ObserveShareout("shareout.cancel", decimal.Zero)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
