// Package batch runs multi-file analysis jobs on a durable queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/internal/store"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// Resources is the allocation surface the scheduler needs.
type Resources interface {
	Allocate(ctx context.Context, req models.ResourceRequirements, priority models.Priority, estimated time.Duration) ([]models.ResourceAllocation, error)
	ReleaseJob(ctx context.Context, jobID uuid.UUID, userID string) error
	MarkBusy(jobID uuid.UUID)
}

// ProgressSink receives progress events. Delivery is best effort.
type ProgressSink interface {
	PublishProgress(ctx context.Context, ev models.ProgressEvent) error
}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	JobID            uuid.UUID              `json:"job_id"`
	Status           string                 `json:"status"`
	Operation        models.OperationType   `json:"operation"`
	Priority         models.Priority        `json:"priority"`
	Progress         float64                `json:"progress"`
	TotalFiles       int                    `json:"total_files"`
	ProcessedFiles   int                    `json:"processed_files"`
	FailedFiles      int                    `json:"failed_files"`
	Attempts         int                    `json:"attempts"`
	EstimatedSeconds float64                `json:"estimated_seconds"`
	EstimatedCost    float64                `json:"estimated_cost"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	Result           *models.BatchJobResult `json:"result,omitempty"`
}

type Option func(*Scheduler)

// WithResources enables auto-scaled jobs.
func WithResources(r Resources) Option {
	return func(s *Scheduler) { s.resources = r }
}

func WithProgressSinks(sinks ...ProgressSink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, sinks...) }
}

// WithFs sets the filesystem submissions are validated against.
func WithFs(fsys afero.Fs) Option {
	return func(s *Scheduler) { s.fs = fsys }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// Scheduler accepts jobs and runs them on a pool of workers that claim from
// the job store.
type Scheduler struct {
	store     store.JobStore
	exec      models.FileExecutor
	cfg       config.SchedulerConfig
	resources Resources
	sinks     []ProgressSink
	fs        afero.Fs
	clock     clockwork.Clock

	mu      sync.Mutex
	handles map[uuid.UUID]*JobHandle
	running map[uuid.UUID]bool

	wake   chan struct{}
	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(st store.JobStore, exec models.FileExecutor, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DefaultBatchSize < 1 {
		cfg.DefaultBatchSize = 10
	}
	if cfg.DefaultMaxConcurrentJobs < 1 {
		cfg.DefaultMaxConcurrentJobs = 3
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	s := &Scheduler{
		store:   st,
		exec:    exec,
		cfg:     cfg,
		fs:      afero.NewOsFs(),
		clock:   clockwork.NewRealClock(),
		handles: make(map[uuid.UUID]*JobHandle),
		running: make(map[uuid.UUID]bool),
		wake:    make(chan struct{}, cfg.Workers),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitBatchJob validates and persists a job in pending state and returns
// without waiting for it to run.
func (s *Scheduler) SubmitBatchJob(ctx context.Context, cfg models.BatchJobConfig) (*JobHandle, error) {
	if err := Validate(s.fs, cfg); err != nil {
		return nil, err
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	cfg = normalize(cfg, s.cfg.DefaultBatchSize, s.cfg.DefaultMaxConcurrentJobs)

	estimated, cost := Estimate(cfg.Operation, len(cfg.Files), cfg.Options.MaxConcurrentJobs, s.cfg.DefaultHourlyRate)
	now := s.clock.Now().UTC()
	job := &models.Job{
		ID:                cfg.ID,
		UserID:            cfg.UserID,
		Operation:         cfg.Operation,
		Status:            models.JobStatusPending,
		Priority:          cfg.Priority,
		Config:            cfg,
		TotalFiles:        len(cfg.Files),
		EstimatedDuration: estimated,
		EstimatedCost:     cost,
		RunAfter:          now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, invalid("id", "job %s already exists", cfg.ID)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	h := s.handleFor(job.ID)
	s.publish(ctx, h, event(job, models.JobStatusPending, 0, 0, 0))
	s.notify()

	slog.Info("batch job submitted", "job_id", job.ID, "user_id", job.UserID,
		"operation", job.Operation, "files", job.TotalFiles, "priority", job.Priority.String())
	return h, nil
}

// GetBatchJobStatus returns the live state of a job. The result is attached
// once the job is terminal.
func (s *Scheduler) GetBatchJobStatus(ctx context.Context, jobID uuid.UUID, userID string) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, fmt.Errorf("%w: job %s", ErrUnauthorized, jobID)
	}

	st := &JobStatus{
		JobID:            job.ID,
		Status:           job.Status,
		Operation:        job.Operation,
		Priority:         job.Priority,
		Progress:         job.Progress,
		TotalFiles:       job.TotalFiles,
		ProcessedFiles:   job.ProcessedFiles,
		FailedFiles:      job.FailedFiles,
		Attempts:         job.Attempts,
		EstimatedSeconds: job.EstimatedDuration.Seconds(),
		EstimatedCost:    job.EstimatedCost,
		CreatedAt:        job.CreatedAt,
		StartedAt:        job.StartedAt,
		CompletedAt:      job.CompletedAt,
	}
	if job.ErrorMessage != nil {
		st.ErrorMessage = *job.ErrorMessage
	}
	if models.IsTerminalJobStatus(job.Status) {
		results, err := s.store.ListFileResults(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("loading results: %w", err)
		}
		st.Result = buildResult(job, results)
	}
	return st, nil
}

// CancelBatchJob cancels a pending or processing job. A running job finishes
// its in-flight sub-batch before it stops.
func (s *Scheduler) CancelBatchJob(ctx context.Context, jobID uuid.UUID, userID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return fmt.Errorf("%w: job %s", ErrUnauthorized, jobID)
	}
	if models.IsTerminalJobStatus(job.Status) {
		return invalid("status", "job is already %s", job.Status)
	}

	err = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled)
	if errors.Is(err, store.ErrInvalidTransition) {
		// claimed or finished between the read and the write
		if job, err = s.store.GetJob(ctx, jobID); err != nil {
			return err
		}
		if models.IsTerminalJobStatus(job.Status) {
			return invalid("status", "job is already %s", job.Status)
		}
		err = s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled)
	}
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}

	s.mu.Lock()
	h := s.handles[jobID]
	local := s.running[jobID]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	slog.Info("batch job cancelled", "job_id", jobID, "user_id", userID, "was", job.Status)

	if local {
		// the worker releases resources after its in-flight sub-batch
		return nil
	}
	if job.Status == models.JobStatusProcessing {
		s.release(ctx, job)
	}
	metrics.JobFinished(models.JobStatusCancelled)
	s.publish(ctx, h, event(job, models.JobStatusCancelled, job.ProcessedFiles, job.FailedFiles, job.Progress))
	s.finishHandle(jobID, h, nil, ErrCancelled)
	return nil
}

// GetBatchStats summarizes the jobs of userID.
func (s *Scheduler) GetBatchStats(ctx context.Context, userID string) (*models.BatchStats, error) {
	stats, err := s.store.GetJobStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading batch stats: %w", err)
	}
	return stats, nil
}

// Handle returns the handle of a job submitted to or running in this process.
func (s *Scheduler) Handle(jobID uuid.UUID) (*JobHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[jobID]
	return h, ok
}

func (s *Scheduler) handleFor(id uuid.UUID) *JobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		h = newJobHandle(id)
		s.handles[id] = h
	}
	return h
}

func (s *Scheduler) finishHandle(id uuid.UUID, h *JobHandle, result *models.BatchJobResult, err error) {
	s.mu.Lock()
	if s.handles[id] == h {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if h != nil {
		h.finish(result, err)
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(ctx context.Context, h *JobHandle, ev models.ProgressEvent) {
	ev.At = s.clock.Now().UTC()
	if h != nil {
		h.emit(ev)
	}
	for _, sink := range s.sinks {
		if err := sink.PublishProgress(ctx, ev); err != nil {
			slog.Warn("progress publish failed", "job_id", ev.JobID, "error", err)
		}
	}
}

func (s *Scheduler) release(ctx context.Context, job *models.Job) {
	if s.resources == nil {
		return
	}
	if err := s.resources.ReleaseJob(ctx, job.ID, job.UserID); err != nil {
		slog.Error("releasing job resources failed", "job_id", job.ID, "user_id", job.UserID, "error", err)
	}
}

func event(job *models.Job, status string, processed, failed int, progress float64) models.ProgressEvent {
	return models.ProgressEvent{
		JobID:          job.ID,
		Status:         status,
		Progress:       progress,
		ProcessedFiles: processed,
		FailedFiles:    failed,
		TotalFiles:     job.TotalFiles,
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// buildResult assembles the result of a job from its stored file results.
func buildResult(job *models.Job, results []models.FileResult) *models.BatchJobResult {
	out := &models.BatchJobResult{
		JobID:        job.ID,
		TotalFiles:   job.TotalFiles,
		Results:      results,
		CostEstimate: job.EstimatedCost,
	}
	if out.Results == nil {
		out.Results = []models.FileResult{}
	}
	for _, r := range results {
		if r.Status == models.FileStatusSuccess {
			out.ProcessedFiles++
		} else {
			out.FailedFiles++
		}
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		out.ProcessingTime = job.CompletedAt.Sub(*job.StartedAt)
	}
	return out
}
