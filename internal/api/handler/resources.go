package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// ResourceService is the resource manager surface the resource handlers depend on.
type ResourceService interface {
	Allocations(userID string) []models.ResourceAllocation
	Recommendations(userID string) []models.Recommendation
	Deallocate(ctx context.Context, instanceID, userID string) error
}

// NewAllocationsHandler returns an http.HandlerFunc for GET /api/v1/resources/allocations.
func NewAllocationsHandler(svc ResourceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		response.JSON(w, svc.Allocations(user))
	}
}

// NewRecommendationsHandler returns an http.HandlerFunc for GET /api/v1/resources/recommendations.
func NewRecommendationsHandler(svc ResourceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		recs := svc.Recommendations(user)
		if recs == nil {
			recs = []models.Recommendation{}
		}
		response.JSON(w, recs)
	}
}

// NewDeallocateHandler returns an http.HandlerFunc for DELETE /api/v1/resources/{instanceID}.
// Releasing an unknown instance succeeds.
func NewDeallocateHandler(svc ResourceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		if err := svc.Deallocate(r.Context(), chi.URLParam(r, "instanceID"), user); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
