// Package resource owns the live GPU instances allocated to batch jobs.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/cost"
	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// ErrUnauthorized is returned when a user releases an allocation they do not own.
var ErrUnauthorized = errors.New("allocation belongs to another user")

// Instances is the provider surface the manager drives.
type Instances interface {
	GetAvailableOffers(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error)
	CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error)
	GetInstance(ctx context.Context, provider, id string) (*models.StandardGpuInstance, error)
	GetInstanceMetrics(ctx context.Context, provider, id string) (*models.InstanceMetrics, error)
	TerminateInstance(ctx context.Context, provider, id string) error
}

// CostRecorder receives the billing window of every released allocation.
type CostRecorder interface {
	RecordCost(ctx context.Context, u cost.Usage) (*models.CostEntry, error)
}

// Manager tracks allocations. Every read and write of the allocation map goes
// through mu; remote calls are made outside the lock.
type Manager struct {
	providers Instances
	costs     CostRecorder
	cfg       config.ResourceConfig
	clock     clockwork.Clock

	mu              sync.Mutex
	allocations     map[string]*models.ResourceAllocation
	releasing       map[string]bool
	recommendations []models.Recommendation

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(providers Instances, costs CostRecorder, cfg config.ResourceConfig, clock clockwork.Clock) *Manager {
	return &Manager{
		providers:   providers,
		costs:       costs,
		cfg:         cfg,
		clock:       clock,
		allocations: make(map[string]*models.ResourceAllocation),
		releasing:   make(map[string]bool),
	}
}

// Allocate rents the instances a job needs. It returns an empty slice and no
// error when no offer satisfies req, and the provider error when offers could
// not be listed at all. An offer that fails to create is not retried; the
// error is returned only when nothing could be created.
func (m *Manager) Allocate(ctx context.Context, req models.ResourceRequirements, priority models.Priority, estimated time.Duration) ([]models.ResourceAllocation, error) {
	needed := InstancesNeeded(req)

	offers, err := m.providers.GetAvailableOffers(ctx, models.OfferFilter{
		Provider:       req.Provider,
		GPUType:        req.GPUType,
		MinGPUCount:    req.MinGPUCount,
		MaxCostPerHour: req.MaxCostPerHour,
		MinMemoryGB:    req.MinMemoryGB,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching offers: %w", err)
	}
	ranked := RankOffers(offers, req)
	if len(ranked) == 0 {
		slog.Info("no gpu offer matches requirements", "user_id", req.UserID, "gpu_type", req.GPUType, "provider", req.Provider)
		return nil, nil
	}

	image := req.ImageName
	if image == "" {
		image = m.cfg.DefaultImage
	}

	// The first pass spreads instances over the ranked offers. Later passes
	// reuse offers that still accept creates until needed is met.
	var (
		created   []models.ResourceAllocation
		lastErr   error
		exhausted = make([]bool, len(ranked))
	)
	for len(created) < needed {
		progressed := false
		for i, cand := range ranked {
			if len(created) == needed {
				break
			}
			if exhausted[i] {
				continue
			}
			if err := ctx.Err(); err != nil {
				m.rollback(created)
				return nil, err
			}
			inst, err := m.providers.CreateInstance(ctx, models.CreateInstanceRequest{
				Provider:  cand.Offer.Provider,
				OfferID:   cand.Offer.ID,
				Name:      instanceName(req),
				GPUType:   cand.Offer.GPUType,
				GPUCount:  cand.Offer.GPUCount,
				ImageName: image,
				DiskGB:    cand.Offer.DiskGB,
			})
			if err != nil {
				exhausted[i] = true
				lastErr = err
				slog.Warn("instance creation failed, trying next offer",
					"provider", cand.Offer.Provider, "offer_id", cand.Offer.ID, "error", err)
				continue
			}
			created = append(created, m.track(*inst, cand.Offer, req, priority, estimated))
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if len(created) == 0 && lastErr != nil {
		return nil, lastErr
	}
	if len(created) < needed {
		slog.Warn("allocated fewer instances than needed", "user_id", req.UserID, "needed", needed, "allocated", len(created))
	}
	return created, nil
}

func instanceName(req models.ResourceRequirements) string {
	if req.JobID != nil {
		return "gpubatch-" + req.JobID.String()[:8]
	}
	return "gpubatch-" + uuid.NewString()[:8]
}

func (m *Manager) track(inst models.StandardGpuInstance, offer models.GpuOffer, req models.ResourceRequirements, priority models.Priority, estimated time.Duration) models.ResourceAllocation {
	costPerHour := inst.CostPerHour
	if costPerHour == 0 {
		costPerHour = offer.CostPerHour
	}
	gpuType := inst.GPUType
	if gpuType == "" {
		gpuType = offer.GPUType
	}
	a := &models.ResourceAllocation{
		InstanceID:        inst.ID,
		Provider:          inst.Provider,
		GPUType:           gpuType,
		CostPerHour:       costPerHour,
		AllocatedAt:       m.clock.Now(),
		EstimatedDuration: estimated,
		Priority:          priority,
		UserID:            req.UserID,
		JobID:             req.JobID,
		State:             models.AllocationAllocated,
		Instance:          inst,
	}

	m.mu.Lock()
	m.allocations[a.InstanceID] = a
	n := len(m.allocations)
	m.mu.Unlock()

	metrics.SetAllocationsActive(n)
	slog.Info("instance allocated", "instance_id", a.InstanceID, "provider", a.Provider,
		"gpu_type", a.GPUType, "cost_per_hour", a.CostPerHour, "user_id", a.UserID)
	return *a
}

// rollback releases allocations made by an Allocate call that was cancelled.
func (m *Manager) rollback(allocs []models.ResourceAllocation) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, a := range allocs {
		if err := m.release(ctx, a.InstanceID, "allocation rolled back"); err != nil {
			slog.Error("rollback failed", "instance_id", a.InstanceID, "error", err)
		}
	}
}

// Deallocate releases an allocation owned by userID. Unknown ids are a no-op.
func (m *Manager) Deallocate(ctx context.Context, instanceID, userID string) error {
	m.mu.Lock()
	a, ok := m.allocations[instanceID]
	if !ok || m.releasing[instanceID] {
		m.mu.Unlock()
		slog.Warn("deallocate of unknown instance ignored", "instance_id", instanceID, "user_id", userID)
		return nil
	}
	if a.UserID != userID {
		m.mu.Unlock()
		return fmt.Errorf("%w: instance %s", ErrUnauthorized, instanceID)
	}
	m.mu.Unlock()

	return m.release(ctx, instanceID, "deallocated")
}

// ReleaseJob deallocates every instance bound to jobID.
func (m *Manager) ReleaseJob(ctx context.Context, jobID uuid.UUID, userID string) error {
	var errs []error
	for _, a := range m.JobAllocations(jobID) {
		if err := m.Deallocate(ctx, a.InstanceID, userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// release terminates the instance, records its cost and forgets the allocation.
func (m *Manager) release(ctx context.Context, instanceID, reason string) error {
	m.mu.Lock()
	a, ok := m.allocations[instanceID]
	if !ok || m.releasing[instanceID] {
		m.mu.Unlock()
		return nil
	}
	m.releasing[instanceID] = true
	snapshot := *a
	m.mu.Unlock()

	err := m.providers.TerminateInstance(ctx, snapshot.Provider, instanceID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		m.mu.Lock()
		delete(m.releasing, instanceID)
		if cur, ok := m.allocations[instanceID]; ok {
			cur.State = models.AllocationError
		}
		m.mu.Unlock()
		return fmt.Errorf("terminating instance %s: %w", instanceID, err)
	}

	m.forget(ctx, snapshot, reason)
	return nil
}

// forget removes an allocation whose instance is gone and hands its billing
// window to the cost recorder.
func (m *Manager) forget(ctx context.Context, a models.ResourceAllocation, reason string) {
	end := m.clock.Now()

	m.mu.Lock()
	delete(m.allocations, a.InstanceID)
	delete(m.releasing, a.InstanceID)
	n := len(m.allocations)
	m.mu.Unlock()
	metrics.SetAllocationsActive(n)

	slog.Info("allocation released", "instance_id", a.InstanceID, "provider", a.Provider,
		"user_id", a.UserID, "reason", reason, "held", end.Sub(a.AllocatedAt).String())

	if m.costs == nil {
		return
	}
	meta := map[string]string{"gpu_type": a.GPUType, "reason": reason}
	if a.JobID != nil {
		meta["job_id"] = a.JobID.String()
	}
	if _, err := m.costs.RecordCost(ctx, cost.Usage{
		UserID:      a.UserID,
		InstanceID:  a.InstanceID,
		Provider:    a.Provider,
		CostPerHour: a.CostPerHour,
		Start:       a.AllocatedAt,
		End:         end,
		Description: fmt.Sprintf("%s %s on %s", a.GPUType, reason, a.Provider),
		Metadata:    meta,
	}); err != nil {
		slog.Error("recording allocation cost failed", "instance_id", a.InstanceID, "error", err)
	}
}

// Allocations returns a snapshot of the allocations of userID, or of every
// user when userID is empty, oldest first.
func (m *Manager) Allocations(userID string) []models.ResourceAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ResourceAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		if userID == "" || a.UserID == userID {
			out = append(out, *a)
		}
	}
	sortAllocations(out)
	return out
}

// JobAllocations returns the allocations bound to jobID, oldest first.
func (m *Manager) JobAllocations(jobID uuid.UUID) []models.ResourceAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResourceAllocation
	for _, a := range m.allocations {
		if a.JobID != nil && *a.JobID == jobID {
			out = append(out, *a)
		}
	}
	sortAllocations(out)
	return out
}

// MarkBusy flags the job's allocations as doing work until the next poll.
func (m *Manager) MarkBusy(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.allocations {
		if a.JobID != nil && *a.JobID == jobID && a.State == models.AllocationAllocated {
			a.State = models.AllocationBusy
		}
	}
}

// Recommendations returns the findings of the latest optimization run for
// userID, or for every user when userID is empty.
func (m *Manager) Recommendations(userID string) []models.Recommendation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Recommendation
	for _, r := range m.recommendations {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

func sortAllocations(allocs []models.ResourceAllocation) {
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].AllocatedAt.Equal(allocs[j].AllocatedAt) {
			return allocs[i].InstanceID < allocs[j].InstanceID
		}
		return allocs[i].AllocatedAt.Before(allocs[j].AllocatedAt)
	})
}
