package batch_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gpubatch/internal/store"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// memStore is an in-memory store.JobStore that mirrors the Postgres semantics.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	results map[uuid.UUID]map[int]models.FileResult

	saveCalls int
	saveHook  func(call int) error
	claimHook func(stored *models.Job)
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[uuid.UUID]*models.Job),
		results: make(map[uuid.UUID]map[int]models.FileResult),
	}
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.ValidTransition(j.Status, status) {
		return store.ErrInvalidTransition
	}
	j.Status = status
	now := time.Now().UTC()
	j.UpdatedAt = now
	if models.IsTerminalJobStatus(status) {
		j.CompletedAt = &now
	}
	if status == models.JobStatusCompleted {
		j.Progress = 100
	}
	p := store.ApplyJobUpdateOptions(opts...)
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		j.ErrorMessage = &msg
	}
	if p.RunAfter != nil {
		j.RunAfter = *p.RunAfter
	}
	return nil
}

func (m *memStore) UpdateJobProgress(_ context.Context, id uuid.UUID, processed, failed int, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != models.JobStatusProcessing && j.Status != models.JobStatusCancelled) {
		return nil
	}
	j.ProcessedFiles, j.FailedFiles = processed, failed
	if progress > j.Progress {
		j.Progress = progress
	}
	return nil
}

func (m *memStore) ClaimNextJob(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.Job
	now := time.Now()
	for _, j := range m.jobs {
		if j.Status != models.JobStatusPending || j.RunAfter.After(now) {
			continue
		}
		if next == nil || j.Priority > next.Priority ||
			(j.Priority == next.Priority && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = models.JobStatusProcessing
	next.Attempts++
	if next.StartedAt == nil {
		started := now.UTC()
		next.StartedAt = &started
	}
	cp := *next
	if m.claimHook != nil {
		m.claimHook(next)
	}
	return &cp, nil
}

func (m *memStore) ListJobsByStatus(_ context.Context, statuses ...string) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		for _, s := range statuses {
			if j.Status == s {
				cp := *j
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *memStore) GetJobStats(_ context.Context, userID string) (*models.BatchStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.BatchStats{UserID: userID, ByStatus: make(map[string]int)}
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending {
			stats.QueueDepth++
		}
		if j.UserID != userID {
			continue
		}
		stats.ByStatus[j.Status]++
		stats.TotalJobs++
		stats.TotalFiles += j.TotalFiles
		stats.ProcessedFiles += j.ProcessedFiles
		stats.FailedFiles += j.FailedFiles
	}
	return stats, nil
}

func (m *memStore) SaveFileResults(_ context.Context, results []models.FileResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveHook != nil {
		if err := m.saveHook(m.saveCalls); err != nil {
			return err
		}
	}
	for _, r := range results {
		if m.results[r.JobID] == nil {
			m.results[r.JobID] = make(map[int]models.FileResult)
		}
		m.results[r.JobID][r.Index] = r
	}
	return nil
}

func (m *memStore) ListFileResults(_ context.Context, jobID uuid.UUID) ([]models.FileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FileResult
	for _, r := range m.results[jobID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (m *memStore) job(id uuid.UUID) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

// fakeExecutor records calls and tracks how many run at once.
type fakeExecutor struct {
	mu          sync.Mutex
	calls       []models.FileTask
	inFlight    int
	maxInFlight int
	delay       time.Duration
	fn          func(ctx context.Context, task models.FileTask) (json.RawMessage, error)
	onStart     func(task models.FileTask)
	onEnd       func(task models.FileTask)
}

func (e *fakeExecutor) Execute(ctx context.Context, task models.FileTask) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls = append(e.calls, task)
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	if e.onStart != nil {
		e.onStart(task)
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight--
		if e.onEnd != nil {
			e.onEnd(task)
		}
		e.mu.Unlock()
	}()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fn != nil {
		return e.fn(ctx, task)
	}
	return json.RawMessage(`{"confidence":0.93}`), nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeExecutor) tasks() []models.FileTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.FileTask(nil), e.calls...)
}

func (e *fakeExecutor) peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxInFlight
}

type fakeResources struct {
	mu        sync.Mutex
	allocs    []models.ResourceAllocation
	err       error
	requested []models.ResourceRequirements
	released  []uuid.UUID
	busy      []uuid.UUID
}

func (r *fakeResources) Allocate(_ context.Context, req models.ResourceRequirements, _ models.Priority, _ time.Duration) ([]models.ResourceAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested = append(r.requested, req)
	if r.err != nil {
		return nil, r.err
	}
	return r.allocs, nil
}

func (r *fakeResources) ReleaseJob(_ context.Context, jobID uuid.UUID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, jobID)
	return nil
}

func (r *fakeResources) MarkBusy(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = append(r.busy, jobID)
}

func (r *fakeResources) releasedJobs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.released...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (s *recordingSink) PublishProgress(_ context.Context, ev models.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) all() []models.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProgressEvent(nil), s.events...)
}
