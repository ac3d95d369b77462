// Package cost records realized instance cost and raises daily threshold alerts.
package cost

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
	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/internal/store"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const dayLayout = "2006-01-02"

var ErrInvalidUsage = errors.New("invalid usage")

// Usage is one closed billing window of an instance.
type Usage struct {
	UserID      string
	InstanceID  string
	Provider    string
	CostPerHour float64
	Start       time.Time
	End         time.Time
	Description string
	Metadata    map[string]string
}

// RunningSource lists allocations that are still billing.
type RunningSource interface {
	Allocations(userID string) []models.ResourceAllocation
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store     store.CostStore
	clock     clockwork.Clock
	threshold float64

	mu      sync.RWMutex
	running RunningSource
	onAlert func(models.CostAlert)
}

func NewTracker(st store.CostStore, cfg config.CostConfig, clock clockwork.Clock) *Tracker {
	return &Tracker{store: st, clock: clock, threshold: cfg.DailyAlertThreshold}
}

// UseRunningSource wires the live allocation view used by GetCurrentRunningCosts.
func (t *Tracker) UseRunningSource(src RunningSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = src
}

// OnAlert registers a callback invoked once for every newly fired alert.
func (t *Tracker) OnAlert(fn func(models.CostAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = fn
}

// Charge returns the billed whole minutes (rounded up) and the cost of running
// at costPerHour between start and end.
func Charge(costPerHour float64, start, end time.Time) (int, decimal.Decimal) {
	d := end.Sub(start)
	if d <= 0 {
		return 0, decimal.Zero
	}
	minutes := int64(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	total := decimal.NewFromFloat(costPerHour).
		Mul(decimal.NewFromInt(minutes)).
		Div(decimal.NewFromInt(60)).
		Round(6)
	return int(minutes), total
}

// RecordCost appends a cost entry for u and then checks the user's daily alert.
// Alert failures are logged and do not fail the recording.
func (t *Tracker) RecordCost(ctx context.Context, u Usage) (*models.CostEntry, error) {
	if u.UserID == "" || u.InstanceID == "" {
		return nil, fmt.Errorf("%w: user and instance are required", ErrInvalidUsage)
	}
	if u.CostPerHour < 0 {
		return nil, fmt.Errorf("%w: negative cost per hour %v", ErrInvalidUsage, u.CostPerHour)
	}
	if u.End.Before(u.Start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidUsage, u.End, u.Start)
	}

	minutes, total := Charge(u.CostPerHour, u.Start, u.End)
	totalCost, _ := total.Float64()
	entry := &models.CostEntry{
		ID:              uuid.New(),
		UserID:          u.UserID,
		InstanceID:      u.InstanceID,
		Provider:        u.Provider,
		CostPerHour:     u.CostPerHour,
		DurationMinutes: minutes,
		TotalCost:       totalCost,
		StartTime:       u.Start.UTC(),
		EndTime:         u.End.UTC(),
		Description:     u.Description,
		Metadata:        u.Metadata,
		CreatedAt:       t.clock.Now().UTC(),
	}
	if err := t.store.CreateCostEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("recording cost: %w", err)
	}
	metrics.CostRecorded(u.Provider, totalCost)
	slog.Info("cost recorded", "user_id", u.UserID, "instance_id", u.InstanceID,
		"provider", u.Provider, "minutes", minutes, "total_cost", totalCost)

	if _, err := t.CheckCostAlerts(ctx, u.UserID); err != nil {
		slog.Error("cost alert check failed", "user_id", u.UserID, "error", err)
	}
	return entry, nil
}

// CheckCostAlerts fires an alert when today's total for userID meets the
// threshold. It returns nil when no new alert fired; at most one fires per
// user per UTC day.
func (t *Tracker) CheckCostAlerts(ctx context.Context, userID string) (*models.CostAlert, error) {
	if t.threshold <= 0 {
		return nil, nil
	}
	now := t.clock.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	entries, err := t.store.ListCostEntries(ctx, userID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("loading today's costs: %w", err)
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(decimal.NewFromFloat(e.TotalCost))
	}
	if total.LessThan(decimal.NewFromFloat(t.threshold)) {
		return nil, nil
	}

	totalCost, _ := total.Float64()
	alert := &models.CostAlert{
		ID:        uuid.New(),
		UserID:    userID,
		Day:       dayStart.Format(dayLayout),
		TotalCost: totalCost,
		Threshold: t.threshold,
		CreatedAt: now,
	}
	err = t.store.CreateCostAlert(ctx, alert)
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recording cost alert: %w", err)
	}

	slog.Warn("daily cost threshold reached", "user_id", userID, "day", alert.Day,
		"total_cost", totalCost, "threshold", t.threshold)
	t.mu.RLock()
	fn := t.onAlert
	t.mu.RUnlock()
	if fn != nil {
		fn(*alert)
	}
	return alert, nil
}

// GetCostSummary aggregates the user's entries whose end time is in [from, to).
func (t *Tracker) GetCostSummary(ctx context.Context, userID string, from, to time.Time) (*models.CostSummary, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: range end must be after start", ErrInvalidUsage)
	}
	entries, err := t.store.ListCostEntries(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading costs: %w", err)
	}

	var (
		total      = decimal.Zero
		byProvider = map[string]decimal.Decimal{}
		byDay      = map[string]decimal.Decimal{}
		byInstance = map[string]decimal.Decimal{}
	)
	for _, e := range entries {
		c := decimal.NewFromFloat(e.TotalCost)
		total = total.Add(c)
		byProvider[e.Provider] = byProvider[e.Provider].Add(c)
		day := e.EndTime.UTC().Format(dayLayout)
		byDay[day] = byDay[day].Add(c)
		byInstance[e.InstanceID] = byInstance[e.InstanceID].Add(c)
	}

	totalCost, _ := total.Float64()
	return &models.CostSummary{
		UserID:     userID,
		From:       from,
		To:         to,
		TotalCost:  totalCost,
		EntryCount: len(entries),
		ByProvider: toFloats(byProvider),
		ByDay:      toFloats(byDay),
		ByInstance: toFloats(byInstance),
	}, nil
}

func toFloats(in map[string]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k], _ = v.Float64()
	}
	return out
}

// GetCurrentRunningCosts estimates the cost so far of every allocation the
// user still holds.
func (t *Tracker) GetCurrentRunningCosts(_ context.Context, userID string) ([]models.RunningCost, error) {
	t.mu.RLock()
	src := t.running
	t.mu.RUnlock()
	if src == nil {
		return nil, nil
	}

	now := t.clock.Now()
	allocs := src.Allocations(userID)
	out := make([]models.RunningCost, 0, len(allocs))
	for _, a := range allocs {
		minutes, total := Charge(a.CostPerHour, a.AllocatedAt, now)
		cost, _ := total.Float64()
		out = append(out, models.RunningCost{
			InstanceID:     a.InstanceID,
			Provider:       a.Provider,
			CostPerHour:    a.CostPerHour,
			StartedAt:      a.AllocatedAt,
			ElapsedMinutes: minutes,
			EstimatedCost:  cost,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
