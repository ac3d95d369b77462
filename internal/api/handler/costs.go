package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

// CostService is the cost tracker surface the cost handlers depend on.
type CostService interface {
	GetCostSummary(ctx context.Context, userID string, from, to time.Time) (*models.CostSummary, error)
	GetCurrentRunningCosts(ctx context.Context, userID string) ([]models.RunningCost, error)
}

// NewCostSummaryHandler returns an http.HandlerFunc for GET /api/v1/costs/summary.
// from and to are RFC3339; the default range is the last 30 days.
func NewCostSummaryHandler(svc CostService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}

		to := time.Now().UTC()
		if v := r.URL.Query().Get("to"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "to must be a valid RFC3339 timestamp", nil)
				return
			}
			to = parsed
		}
		from := to.Add(-defaultSummaryWindow)
		if v := r.URL.Query().Get("from"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "from must be a valid RFC3339 timestamp", nil)
				return
			}
			from = parsed
		}

		summary, err := svc.GetCostSummary(r.Context(), user, from, to)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, summary)
	}
}

// NewRunningCostsHandler returns an http.HandlerFunc for GET /api/v1/costs/running.
func NewRunningCostsHandler(svc CostService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		running, err := svc.GetCurrentRunningCosts(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if running == nil {
			running = []models.RunningCost{}
		}
		response.JSON(w, running)
	}
}
