package resource_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/cost"
	"github.com/kiranshivaraju/gpubatch/internal/provider"
	"github.com/kiranshivaraju/gpubatch/internal/provider/mock"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/internal/resource"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCosts struct {
	mu     sync.Mutex
	usages []cost.Usage
}

func (r *recordedCosts) RecordCost(_ context.Context, u cost.Usage) (*models.CostEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages = append(r.usages, u)
	return &models.CostEntry{UserID: u.UserID, InstanceID: u.InstanceID}, nil
}

func (r *recordedCosts) all() []cost.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cost.Usage(nil), r.usages...)
}

var testResourceConfig = config.ResourceConfig{
	PollInterval:       30 * time.Second,
	OptimizeInterval:   5 * time.Minute,
	IdleUtilizationPct: 5,
	IdleDuration:       60 * time.Minute,
	HighUtilizationPct: 80,
	DefaultImage:       "gpubatch/inference:latest",
}

type fixture struct {
	rm     *resource.Manager
	clock  clockwork.FakeClock
	costs  *recordedCosts
	vast   *mock.Provider
	runpod *mock.Provider
}

func reliability(r float64) *float64 { return &r }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vast := mock.NewProvider("vastai",
		models.GpuOffer{ID: "v1", GPUType: "RTX 4090", GPUCount: 1, MemoryGB: 32, CostPerHour: 0.5, Reliability: reliability(0.99), Available: true},
		models.GpuOffer{ID: "v2", GPUType: "RTX 4090", GPUCount: 1, MemoryGB: 32, CostPerHour: 0.55, Reliability: reliability(0.6), Available: true},
		models.GpuOffer{ID: "v3", GPUType: "RTX 4090", GPUCount: 4, MemoryGB: 128, CostPerHour: 2.0, Reliability: reliability(0.99), Available: true},
	)
	runpod := mock.NewProvider("runpod",
		models.GpuOffer{ID: "r1", GPUType: "RTX 4090", GPUCount: 1, MemoryGB: 62, CostPerHour: 0.69, Available: true},
		models.GpuOffer{ID: "r2", GPUType: "RTX 4090", GPUCount: 1, MemoryGB: 62, CostPerHour: 0.3, Available: false},
	)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	costs := &recordedCosts{}
	pm := provider.NewManager([]models.GPUProvider{vast, runpod}, 0)
	return &fixture{
		rm:     resource.NewManager(pm, costs, testResourceConfig, clock),
		clock:  clock,
		costs:  costs,
		vast:   vast,
		runpod: runpod,
	}
}

func (f *fixture) allocateOne(t *testing.T, user string, priority models.Priority) models.ResourceAllocation {
	t.Helper()
	jobID := uuid.New()
	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: user, JobID: &jobID, FileCount: 5, BatchSize: 10, MaxConcurrentJobs: 3,
	}, priority, time.Hour)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	return allocs[0]
}

func TestAllocate_RanksAndCreatesNeededInstances(t *testing.T) {
	f := newFixture(t)
	jobID := uuid.New()

	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID:            "alice",
		JobID:             &jobID,
		GPUType:           "4090",
		FileCount:         25,
		BatchSize:         10,
		MaxConcurrentJobs: 3,
	}, models.PriorityHigh, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, allocs, 3)

	// v1 is cheapest and reliable; r1 has unknown reliability; v2 is unreliable; v3 is oversized.
	assert.Equal(t, "vastai", allocs[0].Provider)
	assert.Equal(t, 0.5, allocs[0].CostPerHour)
	assert.Equal(t, "runpod", allocs[1].Provider)
	assert.Equal(t, 0.55, allocs[2].CostPerHour)
	for _, a := range allocs {
		assert.Equal(t, "alice", a.UserID)
		assert.Equal(t, jobID, *a.JobID)
		assert.Equal(t, models.AllocationAllocated, a.State)
		assert.Equal(t, models.PriorityHigh, a.Priority)
		assert.Equal(t, f.clock.Now(), a.AllocatedAt)
	}
	assert.Len(t, f.rm.JobAllocations(jobID), 3)
	assert.Equal(t, 1, f.runpod.Live())
}

func TestAllocate_NoMatchingOfferReturnsEmpty(t *testing.T) {
	f := newFixture(t)

	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: "alice", GPUType: "H100", FileCount: 1, BatchSize: 1,
	}, models.PriorityMedium, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestAllocate_SkipsOfferThatFailsToCreate(t *testing.T) {
	f := newFixture(t)
	f.vast.CreateInstanceFunc = func(context.Context, models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
		return nil, remote.ErrRejected
	}

	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: "alice", FileCount: 1, BatchSize: 1,
	}, models.PriorityMedium, time.Hour)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "runpod", allocs[0].Provider)
}

func TestAllocate_AllCreatesFailReturnsProviderError(t *testing.T) {
	f := newFixture(t)
	fail := func(context.Context, models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
		return nil, remote.ErrUnreachable
	}
	f.vast.CreateInstanceFunc = fail
	f.runpod.CreateInstanceFunc = fail

	_, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{UserID: "alice", FileCount: 1}, models.PriorityMedium, time.Hour)
	require.Error(t, err)
	assert.True(t, provider.IsProviderError(err))
	assert.Empty(t, f.rm.Allocations(""))
}

func TestAllocate_OfferListingOutageIsProviderError(t *testing.T) {
	f := newFixture(t)
	f.vast.GetOffersFunc = func(context.Context, models.OfferFilter) ([]models.GpuOffer, error) {
		return nil, remote.ErrUnreachable
	}
	f.runpod.GetOffersFunc = func(context.Context, models.OfferFilter) ([]models.GpuOffer, error) {
		return nil, remote.ErrUnauthenticated
	}

	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{UserID: "alice", FileCount: 1}, models.PriorityMedium, time.Hour)
	require.Error(t, err)
	assert.Nil(t, allocs)
	assert.True(t, provider.IsProviderError(err))
	assert.Empty(t, f.rm.Allocations(""))
}

func soloManager(p *mock.Provider) *resource.Manager {
	pm := provider.NewManager([]models.GPUProvider{p}, 0)
	return resource.NewManager(pm, &recordedCosts{}, testResourceConfig, clockwork.NewFakeClock())
}

func TestAllocate_ReusesOfferUntilNeededIsMet(t *testing.T) {
	solo := mock.NewProvider("solo",
		models.GpuOffer{ID: "s1", GPUType: "A10", GPUCount: 1, MemoryGB: 24, CostPerHour: 0.4, Available: true},
	)
	rm := soloManager(solo)

	allocs, err := rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: "alice", FileCount: 25, BatchSize: 10, MaxConcurrentJobs: 3,
	}, models.PriorityMedium, time.Hour)
	require.NoError(t, err)
	assert.Len(t, allocs, 3)
	assert.Equal(t, 3, solo.Live())
}

func TestAllocate_StopsWhenOfferRejectsRepeatCreate(t *testing.T) {
	solo := mock.NewProvider("solo",
		models.GpuOffer{ID: "s1", GPUType: "A10", GPUCount: 1, MemoryGB: 24, CostPerHour: 0.4, Available: true},
	)
	calls := 0
	solo.CreateInstanceFunc = func(context.Context, models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
		calls++
		if calls > 1 {
			return nil, remote.ErrRejected
		}
		return &models.StandardGpuInstance{ID: "solo-1", Provider: "solo", Status: models.InstanceRunning, CostPerHour: 0.4}, nil
	}
	rm := soloManager(solo)

	allocs, err := rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: "alice", FileCount: 25, BatchSize: 10, MaxConcurrentJobs: 3,
	}, models.PriorityMedium, time.Hour)
	require.NoError(t, err)
	assert.Len(t, allocs, 1)
	assert.Equal(t, 2, calls)
}

func TestAllocate_UnconfiguredProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{UserID: "alice", Provider: "lambda", FileCount: 1}, models.PriorityMedium, time.Hour)
	assert.ErrorIs(t, err, provider.ErrProviderNotConfigured)
}

func TestDeallocate_UnknownInstanceIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.rm.Deallocate(context.Background(), "does-not-exist", "alice"))
	assert.Empty(t, f.costs.all())
}

func TestDeallocate_OtherUserIsRejected(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)

	err := f.rm.Deallocate(context.Background(), a.InstanceID, "mallory")
	assert.ErrorIs(t, err, resource.ErrUnauthorized)
	assert.Len(t, f.rm.Allocations("alice"), 1)
	assert.Empty(t, f.vast.Terminated())
}

func TestDeallocate_TerminatesAndRecordsCost(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	f.clock.Advance(90 * time.Minute)

	require.NoError(t, f.rm.Deallocate(context.Background(), a.InstanceID, "alice"))

	assert.Equal(t, []string{a.InstanceID}, f.vast.Terminated())
	assert.Empty(t, f.rm.Allocations(""))
	usages := f.costs.all()
	require.Len(t, usages, 1)
	assert.Equal(t, 0.5, usages[0].CostPerHour)
	assert.Equal(t, 90*time.Minute, usages[0].End.Sub(usages[0].Start))
	assert.Equal(t, a.JobID.String(), usages[0].Metadata["job_id"])

	// second release is a no-op
	require.NoError(t, f.rm.Deallocate(context.Background(), a.InstanceID, "alice"))
	assert.Len(t, f.costs.all(), 1)
}

func TestDeallocate_TerminateFailureKeepsAllocation(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	f.vast.TerminateInstanceFunc = func(context.Context, string) error { return remote.ErrUnreachable }

	err := f.rm.Deallocate(context.Background(), a.InstanceID, "alice")
	require.Error(t, err)
	allocs := f.rm.Allocations("alice")
	require.Len(t, allocs, 1)
	assert.Equal(t, models.AllocationError, allocs[0].State)
	assert.Empty(t, f.costs.all())
}

func TestReleaseJob(t *testing.T) {
	f := newFixture(t)
	jobID := uuid.New()
	allocs, err := f.rm.Allocate(context.Background(), models.ResourceRequirements{
		UserID: "alice", JobID: &jobID, FileCount: 20, BatchSize: 10, MaxConcurrentJobs: 3,
	}, models.PriorityMedium, time.Hour)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	require.NoError(t, f.rm.ReleaseJob(context.Background(), jobID, "alice"))
	assert.Empty(t, f.rm.JobAllocations(jobID))
	assert.Len(t, f.costs.all(), 2)
}

func TestPollOnce_DerivesBusyIdleAndError(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	ctx := context.Background()

	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 70})
	f.rm.PollOnce(ctx)
	got := f.rm.Allocations("alice")[0]
	assert.Equal(t, models.AllocationBusy, got.State)
	assert.Equal(t, 70.0, got.Utilization)
	assert.Nil(t, got.IdleSince)
	require.NotNil(t, got.LastPolledAt)

	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 2})
	f.rm.PollOnce(ctx)
	got = f.rm.Allocations("alice")[0]
	assert.Equal(t, models.AllocationIdle, got.State)
	require.NotNil(t, got.IdleSince)

	f.vast.SetStatus(a.InstanceID, models.InstanceStopped)
	f.rm.PollOnce(ctx)
	got = f.rm.Allocations("alice")[0]
	assert.Equal(t, models.AllocationError, got.State)
}

func TestPollOnce_PrunesRemotelyTerminated(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	b := f.allocateOne(t, "alice", models.PriorityMedium)
	f.clock.Advance(30 * time.Minute)

	f.vast.SetStatus(a.InstanceID, models.InstanceTerminated)
	f.vast.Forget(b.InstanceID)
	f.rm.PollOnce(context.Background())

	assert.Empty(t, f.rm.Allocations(""))
	assert.Len(t, f.costs.all(), 2)
	assert.Empty(t, f.vast.Terminated(), "pruning must not call terminate")
}

func TestPollOnce_ProviderErrorMarksError(t *testing.T) {
	f := newFixture(t)
	f.allocateOne(t, "alice", models.PriorityMedium)
	f.vast.GetInstanceMetricsFunc = func(context.Context, string) (*models.InstanceMetrics, error) {
		return nil, errors.New("metrics down")
	}

	f.rm.PollOnce(context.Background())
	assert.Equal(t, models.AllocationError, f.rm.Allocations("alice")[0].State)
}

func idleFor(t *testing.T, minutes int) (*fixture, models.ResourceAllocation) {
	t.Helper()
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 2})

	f.rm.PollOnce(context.Background())
	for i := 0; i < minutes; i++ {
		f.clock.Advance(time.Minute)
		f.rm.PollOnce(context.Background())
	}
	return f, a
}

func TestOptimizeOnce_TerminatesAfterIdleDuration(t *testing.T) {
	f, a := idleFor(t, 61)

	recs := f.rm.OptimizeOnce(context.Background())

	require.Len(t, recs, 1)
	assert.Equal(t, models.RecommendationTerminateIdle, recs[0].Type)
	assert.True(t, recs[0].Executed)
	assert.Equal(t, []string{a.InstanceID}, f.vast.Terminated())
	assert.Empty(t, f.rm.Allocations(""))
	assert.Len(t, f.costs.all(), 1)
}

func TestOptimizeOnce_KeepsIdleInstanceWhenMetricsGoMissing(t *testing.T) {
	f, a := idleFor(t, 61)
	f.vast.GetInstanceMetricsFunc = func(context.Context, string) (*models.InstanceMetrics, error) {
		return nil, errors.New("metrics down")
	}
	f.rm.PollOnce(context.Background())

	got := f.rm.Allocations("alice")[0]
	assert.Equal(t, models.AllocationError, got.State)
	assert.Nil(t, got.IdleSince)

	recs := f.rm.OptimizeOnce(context.Background())
	for _, r := range recs {
		assert.NotEqual(t, models.RecommendationTerminateIdle, r.Type)
	}
	assert.Empty(t, f.vast.Terminated())
	assert.Len(t, f.rm.Allocations(""), 1)
	assert.Equal(t, a.InstanceID, f.rm.Allocations("")[0].InstanceID)
}

func TestOptimizeOnce_KeepsBeforeIdleDuration(t *testing.T) {
	f, a := idleFor(t, 59)

	recs := f.rm.OptimizeOnce(context.Background())

	require.Len(t, recs, 1)
	assert.False(t, recs[0].Executed)
	assert.Equal(t, a.InstanceID, recs[0].InstanceID)
	assert.Empty(t, f.vast.Terminated())
	assert.Len(t, f.rm.Allocations(""), 1)
}

func TestOptimizeOnce_UtilizationRecoveryResetsIdleClock(t *testing.T) {
	f, a := idleFor(t, 40)
	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 60})
	f.rm.PollOnce(context.Background())
	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 1})
	f.clock.Advance(30 * time.Minute)
	f.rm.PollOnce(context.Background())

	f.rm.OptimizeOnce(context.Background())
	assert.Empty(t, f.vast.Terminated())
}

func TestOptimizeOnce_RecommendsCheaperProviderWithoutMigrating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Force the allocation onto runpod, then make vastai cheaper.
	f.vast.SetOffers()
	a := f.allocateOne(t, "alice", models.PriorityHigh)
	require.Equal(t, "runpod", a.Provider)
	f.vast.SetOffers(models.GpuOffer{ID: "v9", GPUType: "RTX 4090", GPUCount: 1, CostPerHour: 0.4, Available: true})

	f.runpod.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 95})
	f.rm.PollOnce(ctx)
	recs := f.rm.OptimizeOnce(ctx)

	require.Len(t, recs, 1)
	assert.Equal(t, models.RecommendationMigrate, recs[0].Type)
	assert.Equal(t, "vastai", recs[0].TargetProvider)
	assert.Equal(t, "v9", recs[0].TargetOfferID)
	assert.InDelta(t, 0.29, recs[0].HourlySavings, 1e-9)
	assert.False(t, recs[0].Executed)
	assert.Len(t, f.rm.Allocations(""), 1)
	assert.Empty(t, f.runpod.Terminated())
	assert.Equal(t, recs, f.rm.Recommendations("alice"))
	assert.Empty(t, f.rm.Recommendations("bob"))
}

func TestOptimizeOnce_NoMigrationForMediumPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vast.SetOffers()
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	f.vast.SetOffers(models.GpuOffer{ID: "v9", GPUType: "RTX 4090", GPUCount: 1, CostPerHour: 0.4, Available: true})
	f.runpod.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 95})
	f.rm.PollOnce(ctx)

	assert.Empty(t, f.rm.OptimizeOnce(ctx))
}

func TestStartStop_LoopsRunOnClock(t *testing.T) {
	f := newFixture(t)
	a := f.allocateOne(t, "alice", models.PriorityMedium)
	f.vast.SetMetrics(a.InstanceID, models.InstanceMetrics{GPUUtilization: 90})

	f.rm.Start(context.Background())
	defer f.rm.Stop()
	f.clock.BlockUntil(2)

	f.clock.Advance(testResourceConfig.PollInterval)
	require.Eventually(t, func() bool {
		allocs := f.rm.Allocations("alice")
		return len(allocs) == 1 && allocs[0].State == models.AllocationBusy
	}, time.Second, 10*time.Millisecond)

	f.rm.Stop()
	f.rm.Stop()
}

func TestInstancesNeeded(t *testing.T) {
	tests := []struct {
		files, batch, max, want int
	}{
		{25, 10, 3, 3},
		{25, 10, 2, 2},
		{5, 10, 3, 1},
		{0, 10, 3, 1},
		{20, 0, 0, 20},
	}
	for _, tt := range tests {
		got := resource.InstancesNeeded(models.ResourceRequirements{FileCount: tt.files, BatchSize: tt.batch, MaxConcurrentJobs: tt.max})
		assert.Equal(t, tt.want, got, "%+v", tt)
	}
}

func TestRankOffers_SkipsUnavailableAndPrefersFit(t *testing.T) {
	ranked := resource.RankOffers([]models.GpuOffer{
		{ID: "big", GPUCount: 8, CostPerHour: 1.0, Available: true},
		{ID: "gone", GPUCount: 2, CostPerHour: 0.1, Available: false},
		{ID: "exact", GPUCount: 2, CostPerHour: 1.0, Available: true},
	}, models.ResourceRequirements{MinGPUCount: 2})

	require.Len(t, ranked, 2)
	assert.Equal(t, "exact", ranked[0].Offer.ID)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.4+0.4+0.2*0.25, ranked[1].Score, 1e-9)
}
