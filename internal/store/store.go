package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	CostStore
}

// JobStore persists batch jobs and doubles as the durable work queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	// UpdateJobProgress writes counters of a processing job, or of a cancelled one
	// finishing its in-flight sub-batch. Progress never decreases.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, processed, failed int, progress float64) error
	// ClaimNextJob moves the highest priority runnable pending job to processing
	// and returns it, or returns (nil, nil) when the queue is empty.
	ClaimNextJob(ctx context.Context) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...string) ([]*models.Job, error)
	GetJobStats(ctx context.Context, userID string) (*models.BatchStats, error)

	SaveFileResults(ctx context.Context, results []models.FileResult) error
	ListFileResults(ctx context.Context, jobID uuid.UUID) ([]models.FileResult, error)
}

// CostStore persists realized costs and fired alerts.
type CostStore interface {
	CreateCostEntry(ctx context.Context, entry *models.CostEntry) error
	// ListCostEntries returns entries of userID whose end time is in [from, to).
	ListCostEntries(ctx context.Context, userID string, from, to time.Time) ([]models.CostEntry, error)
	// CreateCostAlert returns ErrDuplicateKey when an alert already exists for the user and day.
	CreateCostAlert(ctx context.Context, alert *models.CostAlert) error
	ListCostAlerts(ctx context.Context, userID string, limit int) ([]models.CostAlert, error)
}

// JobUpdate holds the optional fields of a status update.
type JobUpdate struct {
	ErrorMessage *string
	RunAfter     *time.Time
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions collects opts into a JobUpdate.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithRunAfter delays the next claim of a job moved back to pending.
func WithRunAfter(t time.Time) JobUpdateOption {
	return func(p *JobUpdate) {
		p.RunAfter = &t
	}
}
