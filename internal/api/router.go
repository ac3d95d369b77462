package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/gpubatch/internal/api/middleware"
	"github.com/kiranshivaraju/gpubatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitHandler   http.HandlerFunc
	StatusHandler   http.HandlerFunc
	ProgressHandler http.HandlerFunc
	CancelHandler   http.HandlerFunc
	StatsHandler    http.HandlerFunc

	CostSummaryHandler  http.HandlerFunc
	RunningCostsHandler http.HandlerFunc

	AllocationsHandler     http.HandlerFunc
	RecommendationsHandler http.HandlerFunc
	DeallocateHandler      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Per-user routes
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireUser)

		submit := http.Handler(orNotImplemented(deps.SubmitHandler))
		if deps.RateLimit != nil {
			submit = deps.RateLimit.Limit(submit)
		}
		r.Method(http.MethodPost, "/api/v1/batch", submit)
		r.Get("/api/v1/batch/stats", orNotImplemented(deps.StatsHandler))
		r.Get("/api/v1/batch/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Get("/api/v1/batch/{jobID}/progress", orNotImplemented(deps.ProgressHandler))
		r.Post("/api/v1/batch/{jobID}/cancel", orNotImplemented(deps.CancelHandler))

		r.Get("/api/v1/costs/summary", orNotImplemented(deps.CostSummaryHandler))
		r.Get("/api/v1/costs/running", orNotImplemented(deps.RunningCostsHandler))

		r.Get("/api/v1/resources/allocations", orNotImplemented(deps.AllocationsHandler))
		r.Get("/api/v1/resources/recommendations", orNotImplemented(deps.RecommendationsHandler))
		r.Delete("/api/v1/resources/{instanceID}", orNotImplemented(deps.DeallocateHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
