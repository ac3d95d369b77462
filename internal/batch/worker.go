package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/internal/store"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// Start requeues jobs left processing by a previous process and launches the
// worker pool. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if err := s.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recovering orphaned jobs: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	slog.Info("batch scheduler started", "workers", s.cfg.Workers)
	return nil
}

// Stop cancels the workers and waits for them. Jobs interrupted mid sub-batch
// go back to the queue.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("batch scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		job, err := s.store.ClaimNextJob(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("claiming job failed", "worker", id, "error", err)
		}
		if job != nil {
			s.execute(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-s.clock.After(s.cfg.PollInterval):
		}
	}
}

// execute runs one claimed job and moves it to its next state.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) {
	h := s.handleFor(job.ID)
	s.mu.Lock()
	s.running[job.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	// Writes after the run must land even when the worker is stopping.
	final := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in batch job", "error", r, "job_id", job.ID)
			s.fail(final, job, h, fmt.Errorf("panic: %v", r))
		}
	}()

	slog.Info("batch job started", "job_id", job.ID, "user_id", job.UserID, "attempt", job.Attempts)
	result, err := s.run(ctx, job, h)
	switch {
	case err == nil:
		s.complete(final, job, h, result)
	case errors.Is(err, ErrCancelled):
		s.finishCancelled(final, job, h)
	case ctx.Err() != nil:
		s.requeue(final, job, 0, "scheduler stopping")
	default:
		s.retryOrFail(final, job, h, err)
	}
}

// run processes the files of a job that have no stored result yet, one
// sub-batch at a time.
func (s *Scheduler) run(ctx context.Context, job *models.Job, h *JobHandle) (*models.BatchJobResult, error) {
	files := job.Config.Files
	total := len(files)
	batchSize := job.Config.Options.BatchSize
	if batchSize < 1 {
		batchSize = s.cfg.DefaultBatchSize
	}

	stored, err := s.store.ListFileResults(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading partial results: %w", err)
	}
	results := make([]*models.FileResult, total)
	var processed, failed int
	for i := range stored {
		r := stored[i]
		if r.Index < 0 || r.Index >= total {
			continue
		}
		results[r.Index] = &r
		if r.Status == models.FileStatusSuccess {
			processed++
		} else {
			failed++
		}
	}
	if processed+failed > 0 {
		slog.Info("resuming batch job", "job_id", job.ID, "done", processed+failed, "total", total)
	}

	if s.cancelRequested(ctx, job.ID, h) {
		return nil, ErrCancelled
	}
	instances, err := s.allocate(ctx, job)
	if err != nil {
		return nil, err
	}

	for start := 0; start < total; start += batchSize {
		if s.cancelRequested(ctx, job.ID, h) {
			return nil, ErrCancelled
		}
		end := min(start+batchSize, total)
		var pending []int
		for i := start; i < end; i++ {
			if results[i] == nil {
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			continue
		}

		batch := s.runSubBatch(ctx, job, pending, instances)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.store.SaveFileResults(ctx, batch); err != nil {
			return nil, fmt.Errorf("saving file results: %w", err)
		}
		for i := range batch {
			r := batch[i]
			results[r.Index] = &r
			if r.Status == models.FileStatusSuccess {
				processed++
			} else {
				failed++
			}
		}

		progress := percent(processed+failed, total)
		if err := s.store.UpdateJobProgress(ctx, job.ID, processed, failed, progress); err != nil {
			return nil, fmt.Errorf("updating progress: %w", err)
		}
		s.publish(ctx, h, event(job, models.JobStatusProcessing, processed, failed, progress))
	}

	out := make([]models.FileResult, 0, total)
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return &models.BatchJobResult{
		JobID:          job.ID,
		TotalFiles:     total,
		ProcessedFiles: processed,
		FailedFiles:    failed,
		Results:        out,
		CostEstimate:   job.EstimatedCost,
	}, nil
}

func (s *Scheduler) cancelRequested(ctx context.Context, jobID uuid.UUID, h *JobHandle) bool {
	if h.Cancelled() {
		return true
	}
	// another process may have cancelled the job
	cur, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return cur.Status == models.JobStatusCancelled
}

// allocate rents instances for auto-scaled jobs. Without RequireResources an
// allocation failure falls back to running on the shared executor.
func (s *Scheduler) allocate(ctx context.Context, job *models.Job) ([]models.StandardGpuInstance, error) {
	opts := job.Config.Options
	if !opts.AutoScale {
		return nil, nil
	}

	var (
		allocs []models.ResourceAllocation
		err    error
	)
	if s.resources == nil {
		err = errors.New("resource manager not configured")
	} else {
		allocs, err = s.resources.Allocate(ctx, models.ResourceRequirements{
			UserID:            job.UserID,
			JobID:             &job.ID,
			Provider:          opts.PreferredProvider,
			GPUType:           opts.GPUType,
			FileCount:         job.TotalFiles,
			BatchSize:         opts.BatchSize,
			MaxConcurrentJobs: opts.MaxConcurrentJobs,
		}, job.Priority, job.EstimatedDuration)
		if err == nil && len(allocs) == 0 {
			err = errors.New("no offer matches the job requirements")
		}
	}
	if err != nil {
		if opts.RequireResources {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrResourcesUnavailable, err))
		}
		slog.Warn("running without dedicated instances", "job_id", job.ID, "error", err)
		return nil, nil
	}

	s.resources.MarkBusy(job.ID)
	instances := make([]models.StandardGpuInstance, len(allocs))
	for i, a := range allocs {
		instances[i] = a.Instance
	}
	slog.Info("job resources allocated", "job_id", job.ID, "instances", len(instances))
	return instances, nil
}

// runSubBatch executes the files at indices concurrently, bounded by the
// job's max concurrency. Files are spread round-robin over instances.
func (s *Scheduler) runSubBatch(ctx context.Context, job *models.Job, indices []int, instances []models.StandardGpuInstance) []models.FileResult {
	limit := job.Config.Options.MaxConcurrentJobs
	if limit < 1 {
		limit = s.cfg.DefaultMaxConcurrentJobs
	}

	out := make([]models.FileResult, len(indices))
	var g errgroup.Group
	g.SetLimit(limit)
	for k, idx := range indices {
		k, idx := k, idx
		var inst *models.StandardGpuInstance
		if len(instances) > 0 {
			inst = &instances[idx%len(instances)]
		}
		g.Go(func() error {
			out[k] = s.runFile(ctx, job, idx, inst)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type execOutcome struct {
	payload json.RawMessage
	err     error
}

// runFile executes one file. Errors, panics and timeouts become a failed result.
func (s *Scheduler) runFile(ctx context.Context, job *models.Job, index int, inst *models.StandardGpuInstance) models.FileResult {
	res := models.FileResult{
		JobID:    job.ID,
		Index:    index,
		FilePath: job.Config.Files[index],
	}
	if inst != nil {
		res.InstanceID = inst.ID
	}
	start := s.clock.Now()

	fctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.FileOperationTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, s.cfg.FileOperationTimeout)
	}
	defer cancel()

	// buffered so an executor that ignores its context cannot block the worker
	ch := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- execOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		payload, err := s.exec.Execute(fctx, models.FileTask{
			FilePath:  res.FilePath,
			Operation: job.Operation,
			Options:   job.Config.Options,
			Instance:  inst,
		})
		ch <- execOutcome{payload: payload, err: err}
	}()

	var o execOutcome
	select {
	case o = <-ch:
	case <-fctx.Done():
		o.err = fctx.Err()
	}
	if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
		o.err = fmt.Errorf("file operation timed out after %s", s.cfg.FileOperationTimeout)
	}

	if o.err != nil {
		res.Status = models.FileStatusFailed
		res.Error = o.err.Error()
	} else {
		res.Status = models.FileStatusSuccess
		res.Result = o.payload
	}
	res.ProcessingTime = s.clock.Since(start)
	res.CreatedAt = s.clock.Now().UTC()
	metrics.FileProcessed(string(job.Operation), res.Status, res.ProcessingTime.Seconds())
	return res
}

func (s *Scheduler) complete(ctx context.Context, job *models.Job, h *JobHandle, result *models.BatchJobResult) {
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted)
	if errors.Is(err, store.ErrInvalidTransition) {
		s.finishCancelled(ctx, job, h)
		return
	}
	if err != nil {
		s.retryOrFail(ctx, job, h, fmt.Errorf("marking job completed: %w", err))
		return
	}
	s.release(ctx, job)

	if job.StartedAt != nil {
		result.ProcessingTime = s.clock.Since(*job.StartedAt)
	}
	metrics.JobFinished(models.JobStatusCompleted)
	s.publish(ctx, h, event(job, models.JobStatusCompleted, result.ProcessedFiles, result.FailedFiles, 100))
	s.finishHandle(job.ID, h, result, nil)
	slog.Info("batch job completed", "job_id", job.ID, "processed", result.ProcessedFiles, "failed", result.FailedFiles)
}

func (s *Scheduler) finishCancelled(ctx context.Context, job *models.Job, h *JobHandle) {
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusCancelled)
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		slog.Error("marking job cancelled failed", "job_id", job.ID, "error", err)
	}
	s.release(ctx, job)

	cur := job
	if fresh, err := s.store.GetJob(ctx, job.ID); err == nil {
		cur = fresh
	}
	metrics.JobFinished(models.JobStatusCancelled)
	s.publish(ctx, h, event(cur, models.JobStatusCancelled, cur.ProcessedFiles, cur.FailedFiles, cur.Progress))
	s.finishHandle(job.ID, h, nil, ErrCancelled)
	slog.Info("batch job stopped after cancellation", "job_id", job.ID)
}

// fail moves the job to failed. Resources are released either way.
func (s *Scheduler) fail(ctx context.Context, job *models.Job, h *JobHandle, cause error) {
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(cause.Error()))
	if errors.Is(err, store.ErrInvalidTransition) {
		s.finishCancelled(ctx, job, h)
		return
	}
	if err != nil {
		slog.Error("marking job failed failed", "job_id", job.ID, "error", err)
	}
	s.release(ctx, job)

	metrics.JobFinished(models.JobStatusFailed)
	s.publish(ctx, h, event(job, models.JobStatusFailed, job.ProcessedFiles, job.FailedFiles, job.Progress))
	s.finishHandle(job.ID, h, nil, cause)
	slog.Error("batch job failed", "job_id", job.ID, "error", cause)
}

// retryOrFail requeues a job after an infrastructure failure while attempts
// remain. Permanent errors fail immediately.
func (s *Scheduler) retryOrFail(ctx context.Context, job *models.Job, h *JobHandle, cause error) {
	var permanent *backoff.PermanentError
	if errors.As(cause, &permanent) {
		s.fail(ctx, job, h, permanent.Err)
		return
	}
	if job.Attempts >= s.cfg.MaxAttempts {
		s.fail(ctx, job, h, fmt.Errorf("giving up after %d attempts: %w", job.Attempts, cause))
		return
	}
	s.release(ctx, job)
	s.requeue(ctx, job, s.retryDelay(job.Attempts), cause.Error())
}

func (s *Scheduler) requeue(ctx context.Context, job *models.Job, delay time.Duration, reason string) {
	runAfter := s.clock.Now().Add(delay)
	err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusPending, store.WithRunAfter(runAfter))
	if err != nil {
		slog.Error("requeueing job failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Warn("batch job requeued", "job_id", job.ID, "attempt", job.Attempts, "delay", delay.String(), "reason", reason)
}

// retryDelay is the exponential backoff after the given attempt.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// recoverOrphans requeues jobs a crashed worker left processing, or fails
// them once their attempts are used up.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	jobs, err := s.store.ListJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Attempts >= s.cfg.MaxAttempts {
			h := s.handleFor(job.ID)
			s.fail(ctx, job, h, fmt.Errorf("worker lost after %d attempts", job.Attempts))
			continue
		}
		s.requeue(ctx, job, s.retryDelay(job.Attempts), "worker lost")
	}
	if len(jobs) > 0 {
		slog.Info("orphaned jobs recovered", "count", len(jobs))
	}
	return nil
}
