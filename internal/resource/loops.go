package resource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const pollConcurrency = 8

// Start runs the polling and optimization loops until Stop is called or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		poll := m.clock.NewTicker(m.cfg.PollInterval)
		defer poll.Stop()
		optimize := m.clock.NewTicker(m.cfg.OptimizeInterval)
		defer optimize.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.Chan():
				m.PollOnce(ctx)
			case <-optimize.Chan():
				m.OptimizeOnce(ctx)
			}
		}
	}()
}

// Stop ends the loops started by Start and waits for the current iteration.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PollOnce refreshes every allocation from its live instance. Instances the
// provider reports terminated, or no longer knows, are pruned.
func (m *Manager) PollOnce(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for _, a := range m.pollable() {
		a := a
		g.Go(func() error {
			m.pollAllocation(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) pollable() []models.ResourceAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ResourceAllocation, 0, len(m.allocations))
	for id, a := range m.allocations {
		if !m.releasing[id] {
			out = append(out, *a)
		}
	}
	return out
}

func (m *Manager) pollAllocation(ctx context.Context, a models.ResourceAllocation) {
	inst, err := m.providers.GetInstance(ctx, a.Provider, a.InstanceID)
	if err != nil {
		m.update(a.InstanceID, func(cur *models.ResourceAllocation) {
			cur.State = models.AllocationError
		})
		return
	}
	if inst == nil || inst.Status == models.InstanceTerminated {
		m.mu.Lock()
		_, ok := m.allocations[a.InstanceID]
		if ok && !m.releasing[a.InstanceID] {
			m.releasing[a.InstanceID] = true
		} else {
			ok = false
		}
		m.mu.Unlock()
		if ok {
			m.forget(ctx, a, "terminated by provider")
		}
		return
	}

	var sample *models.InstanceMetrics
	if inst.Status == models.InstanceRunning {
		sample, err = m.providers.GetInstanceMetrics(ctx, a.Provider, a.InstanceID)
		if err != nil {
			slog.Warn("instance metrics unavailable", "instance_id", a.InstanceID, "provider", a.Provider, "error", err)
		}
	}

	now := m.clock.Now()
	m.update(a.InstanceID, func(cur *models.ResourceAllocation) {
		cur.Instance = *inst
		cur.LastPolledAt = &now
		switch inst.Status {
		case models.InstanceCreated, models.InstanceStarting:
			return
		case models.InstanceRunning:
		default:
			cur.State = models.AllocationError
			cur.IdleSince = nil
			return
		}
		if sample == nil {
			cur.State = models.AllocationError
			cur.IdleSince = nil
			return
		}
		cur.Instance.Metrics = sample
		cur.Utilization = sample.GPUUtilization
		if sample.GPUUtilization < m.cfg.IdleUtilizationPct {
			cur.State = models.AllocationIdle
			if cur.IdleSince == nil {
				cur.IdleSince = &now
			}
			return
		}
		cur.State = models.AllocationBusy
		cur.IdleSince = nil
	})
}

// update applies fn to a live allocation that is not being released.
func (m *Manager) update(instanceID string, fn func(*models.ResourceAllocation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.allocations[instanceID]; ok && !m.releasing[instanceID] {
		fn(cur)
	}
}

// OptimizeOnce terminates allocations idle for longer than the idle duration
// and records advisory recommendations: pending idle terminations, and
// migrations of busy high priority allocations to a strictly cheaper offer on
// another provider. Migrations are never executed.
func (m *Manager) OptimizeOnce(ctx context.Context) []models.Recommendation {
	now := m.clock.Now()
	var recs []models.Recommendation

	for _, a := range m.pollable() {
		if a.State == models.AllocationIdle && a.IdleSince != nil {
			idle := now.Sub(*a.IdleSince)
			rec := models.Recommendation{
				Type:       models.RecommendationTerminateIdle,
				InstanceID: a.InstanceID,
				UserID:     a.UserID,
				Provider:   a.Provider,
				Reason: fmt.Sprintf("gpu utilization %.1f%% below %.1f%% for %s",
					a.Utilization, m.cfg.IdleUtilizationPct, idle.Truncate(time.Second)),
				HourlySavings: a.CostPerHour,
				CreatedAt:     now,
			}
			if idle > m.cfg.IdleDuration {
				if err := m.release(ctx, a.InstanceID, "idle"); err != nil {
					slog.Error("idle termination failed", "instance_id", a.InstanceID, "error", err)
				} else {
					rec.Executed = true
					metrics.InstanceAutoTerminated()
					slog.Info("idle instance terminated", "instance_id", a.InstanceID,
						"provider", a.Provider, "user_id", a.UserID, "idle", idle.String())
				}
			}
			recs = append(recs, rec)
			continue
		}

		if a.Priority >= models.PriorityHigh && a.Utilization >= m.cfg.HighUtilizationPct {
			if rec, ok := m.migration(ctx, a, now); ok {
				recs = append(recs, rec)
			}
		}
	}

	m.mu.Lock()
	m.recommendations = recs
	m.mu.Unlock()
	return recs
}

func (m *Manager) migration(ctx context.Context, a models.ResourceAllocation, now time.Time) (models.Recommendation, bool) {
	offers, err := m.providers.GetAvailableOffers(ctx, models.OfferFilter{
		GPUType:        a.GPUType,
		MinGPUCount:    a.Instance.GPUCount,
		MaxCostPerHour: a.CostPerHour,
	})
	if err != nil {
		slog.Warn("migration offers unavailable", "instance_id", a.InstanceID, "error", err)
		return models.Recommendation{}, false
	}
	// offers are sorted ascending by cost
	for _, o := range offers {
		if !o.Available || o.Provider == a.Provider || o.CostPerHour >= a.CostPerHour {
			continue
		}
		return models.Recommendation{
			Type:           models.RecommendationMigrate,
			InstanceID:     a.InstanceID,
			UserID:         a.UserID,
			Provider:       a.Provider,
			Reason:         fmt.Sprintf("%s on %s costs %.3f/h instead of %.3f/h", o.GPUType, o.Provider, o.CostPerHour, a.CostPerHour),
			TargetProvider: o.Provider,
			TargetOfferID:  o.ID,
			HourlySavings:  a.CostPerHour - o.CostPerHour,
			CreatedAt:      now,
		}, true
	}
	return models.Recommendation{}, false
}
