package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	loanshttp "github.com/vsla-platform/vsla-ledger/internal/loans/http"
	meetingshttp "github.com/vsla-platform/vsla-ledger/internal/meetings/http"
	"github.com/vsla-platform/vsla-ledger/internal/observability"
	"github.com/vsla-platform/vsla-ledger/internal/platform/httpx"
	shareouthttp "github.com/vsla-platform/vsla-ledger/internal/shareout/http"
	"github.com/vsla-platform/vsla-ledger/jobs"
)

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Metrics         *observability.Metrics
	HealthChecks    []HealthCheck
	MeetingsHandler *meetingshttp.Handler
	ShareoutHandler *shareouthttp.Handler
	LoansHandler    *loanshttp.Handler
	JobHandler      *jobs.Handler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(params.HealthChecks))

	if params.MeetingsHandler != nil {
		params.MeetingsHandler.MountRoutes(r)
	}
	if params.ShareoutHandler != nil {
		params.ShareoutHandler.MountRoutes(r)
	}
	if params.LoansHandler != nil {
		params.LoansHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for _, hc := range checks {
			if hc.Check == nil {
				continue
			}
			if err := hc.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[hc.Name] = err.Error()
				continue
			}
			body[hc.Name] = "ok"
		}
		httpx.JSON(w, status, body)
	}
}
