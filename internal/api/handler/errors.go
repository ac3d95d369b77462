package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/gpubatch/internal/api/middleware"
	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/internal/batch"
	"github.com/kiranshivaraju/gpubatch/internal/cost"
	"github.com/kiranshivaraju/gpubatch/internal/provider"
	"github.com/kiranshivaraju/gpubatch/internal/resource"
	"github.com/kiranshivaraju/gpubatch/internal/store"
)

// writeError maps domain errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *batch.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message,
			map[string]string{verr.Field: verr.Message})
	case errors.Is(err, batch.ErrValidation), errors.Is(err, cost.ErrInvalidUsage):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, provider.ErrProviderNotConfigured):
		response.Error(w, http.StatusBadRequest, "PROVIDER_NOT_CONFIGURED", err.Error(), nil)
	case errors.Is(err, batch.ErrUnauthorized), errors.Is(err, resource.ErrUnauthorized):
		response.Error(w, http.StatusForbidden, "FORBIDDEN",
			"The resource belongs to another user", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case provider.IsProviderError(err):
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR",
			"A GPU provider request failed", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// userID returns the caller set by RequireUser, answering 401 when absent.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "MISSING_USER", "Missing user", nil)
	}
	return id, ok
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
