package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/internal/batch"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const maxSubmitBytes = 4 << 20

// BatchService is the scheduler surface the batch handlers depend on.
type BatchService interface {
	SubmitBatchJob(ctx context.Context, cfg models.BatchJobConfig) (*batch.JobHandle, error)
	GetBatchJobStatus(ctx context.Context, jobID uuid.UUID, userID string) (*batch.JobStatus, error)
	CancelBatchJob(ctx context.Context, jobID uuid.UUID, userID string) error
	GetBatchStats(ctx context.Context, userID string) (*models.BatchStats, error)
}

type submitRequest struct {
	ID        uuid.UUID            `json:"id"`
	Operation models.OperationType `json:"operation"`
	Files     []string             `json:"files"`
	Options   models.BatchOptions  `json:"options"`
	Priority  models.Priority      `json:"priority"`
}

type submitResponse struct {
	JobID            uuid.UUID `json:"job_id"`
	Status           string    `json:"status"`
	EstimatedSeconds float64   `json:"estimated_seconds,omitempty"`
	EstimatedCost    float64   `json:"estimated_cost,omitempty"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/batch.
func NewSubmitHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}

		var req submitRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				fmt.Sprintf("Invalid JSON body: %v", err), nil)
			return
		}

		h, err := svc.SubmitBatchJob(r.Context(), models.BatchJobConfig{
			ID:        req.ID,
			UserID:    user,
			Operation: req.Operation,
			Files:     req.Files,
			Options:   req.Options,
			Priority:  req.Priority,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := submitResponse{JobID: h.ID, Status: models.JobStatusPending}
		if st, err := svc.GetBatchJobStatus(r.Context(), h.ID, user); err == nil {
			out.Status = st.Status
			out.EstimatedSeconds = st.EstimatedSeconds
			out.EstimatedCost = st.EstimatedCost
		} else {
			slog.Warn("reading submitted job failed", "job_id", h.ID, "error", err)
		}
		w.Header().Set("Location", "/api/v1/batch/"+h.ID.String())
		response.Accepted(w, out)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/batch/{jobID}.
func NewStatusHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		st, err := svc.GetBatchJobStatus(r.Context(), jobID, user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, st)
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/batch/{jobID}/cancel.
func NewCancelHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		if err := svc.CancelBatchJob(r.Context(), jobID, user); err != nil {
			var verr *batch.ValidationError
			if errors.As(err, &verr) && verr.Field == "status" {
				response.Error(w, http.StatusConflict, "JOB_NOT_CANCELLABLE", verr.Message, nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.Accepted(w, map[string]any{
			"job_id": jobID,
			"status": models.JobStatusCancelled,
		})
	}
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/batch/stats.
func NewStatsHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := userID(w, r)
		if !ok {
			return
		}
		stats, err := svc.GetBatchStats(r.Context(), user)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, stats)
	}
}
