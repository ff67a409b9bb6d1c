package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics collects Prometheus metrics for the ledger service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	meetingsTotal   *prometheus.CounterVec
	meetingIssues   *prometheus.CounterVec
	meetingDuration prometheus.Histogram
	loanEvents      *prometheus.CounterVec
	loanAmount      *prometheus.CounterVec
	shareoutActions *prometheus.CounterVec
	shareoutPayouts prometheus.Histogram
}

// NewMetrics initialises the registry and all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vsla_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	meetings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_meetings_processed_total",
		Help: "Meeting processing attempts by outcome.",
	}, []string{"outcome"})
	issues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_meeting_issues_total",
		Help: "Issues raised while processing meetings by severity.",
	}, []string{"severity"})
	meetingDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vsla_meeting_processing_seconds",
		Help:    "Wall time of a meeting processing transaction.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	loanEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_loan_events_total",
		Help: "Ad-hoc loan operations by kind.",
	}, []string{"kind"})
	loanAmount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_loan_event_amount_total",
		Help: "Sum of amounts applied by ad-hoc loan operations.",
	}, []string{"kind"})
	shareouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsla_shareout_actions_total",
		Help: "Shareout lifecycle actions.",
	}, []string{"action"})
	payouts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vsla_shareout_payout",
		Help:    "Total actual payout of calculated shareouts.",
		Buckets: prometheus.ExponentialBuckets(10000, 4, 8),
	})
	registry.MustRegister(requests, duration, meetings, issues, meetingDuration, loanEvents, loanAmount, shareouts, payouts)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		meetingsTotal:   meetings,
		meetingIssues:   issues,
		meetingDuration: meetingDuration,
		loanEvents:      loanEvents,
		loanAmount:      loanAmount,
		shareoutActions: shareouts,
		shareoutPayouts: payouts,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request counts and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry so other packages can add collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMeeting records one processing attempt.
func (m *Metrics) ObserveMeeting(outcome string, warnings, failures int, took time.Duration) {
	if m == nil {
		return
	}
	m.meetingsTotal.WithLabelValues(outcome).Inc()
	if warnings > 0 {
		m.meetingIssues.WithLabelValues("warning").Add(float64(warnings))
	}
	if failures > 0 {
		m.meetingIssues.WithLabelValues("error").Add(float64(failures))
	}
	m.meetingDuration.Observe(took.Seconds())
}

// ObserveLoanEvent counts a payment, penalty or waiver.
func (m *Metrics) ObserveLoanEvent(kind string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.loanEvents.WithLabelValues(kind).Inc()
	m.loanAmount.WithLabelValues(kind).Add(amount.InexactFloat64())
}

// ObserveShareout counts a lifecycle action. Payout is only sampled for
// calculations.
func (m *Metrics) ObserveShareout(action string, payout decimal.Decimal) {
	if m == nil {
		return
	}
	m.shareoutActions.WithLabelValues(action).Inc()
	if action == "shareout.calculate" {
		m.shareoutPayouts.Observe(payout.InexactFloat64())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
