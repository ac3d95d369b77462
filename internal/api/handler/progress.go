package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gpubatch/internal/api/response"
	"github.com/kiranshivaraju/gpubatch/internal/batch"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// ProgressSnapshots reads the latest progress event of a job.
type ProgressSnapshots interface {
	GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.ProgressEvent, bool, error)
}

// ProgressStream delivers live progress events of a job until ctx ends.
type ProgressStream interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan models.ProgressEvent, error)
}

// NewProgressHandler returns an http.HandlerFunc for GET /api/v1/batch/{jobID}/progress.
// Clients sending Accept: text/event-stream get server-sent events until the
// job reaches a terminal status. stream may be nil.
func NewProgressHandler(svc BatchService, snapshots ProgressSnapshots, stream ProgressStream) http.HandlerFunc {
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
		current := latest(r.Context(), snapshots, st)

		if stream == nil || !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			response.JSON(w, current)
			return
		}
		streamProgress(w, r, stream, current)
	}
}

// latest prefers the cached snapshot unless the store already holds a
// terminal status the snapshot has not caught up with.
func latest(ctx context.Context, snapshots ProgressSnapshots, st *batch.JobStatus) models.ProgressEvent {
	fromStore := models.ProgressEvent{
		JobID:          st.JobID,
		Status:         st.Status,
		Progress:       st.Progress,
		ProcessedFiles: st.ProcessedFiles,
		FailedFiles:    st.FailedFiles,
		TotalFiles:     st.TotalFiles,
		At:             st.CreatedAt,
	}
	if st.CompletedAt != nil {
		fromStore.At = *st.CompletedAt
	} else if st.StartedAt != nil {
		fromStore.At = *st.StartedAt
	}
	if snapshots == nil {
		return fromStore
	}

	ev, found, err := snapshots.GetJobProgress(ctx, st.JobID)
	if err != nil {
		slog.Warn("reading progress snapshot failed", "job_id", st.JobID, "error", err)
		return fromStore
	}
	if !found || (models.IsTerminalJobStatus(st.Status) && ev.Status != st.Status) {
		return fromStore
	}
	return *ev
}

func streamProgress(w http.ResponseWriter, r *http.Request, stream ProgressStream, current models.ProgressEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.JSON(w, current)
		return
	}

	var events <-chan models.ProgressEvent
	if !models.IsTerminalJobStatus(current.Status) {
		var err error
		events, err = stream.Subscribe(r.Context(), current.JobID)
		if err != nil {
			writeError(w, r, fmt.Errorf("subscribing to progress: %w", err))
			return
		}
	}

	// the stream outlives the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()

	for events != nil {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if models.IsTerminalJobStatus(ev.Status) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
