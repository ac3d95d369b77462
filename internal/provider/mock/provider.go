// Package mock provides an in-memory GPU marketplace. It backs the "mock"
// provider and the tests of everything built on models.GPUProvider.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// Provider satisfies models.GPUProvider. The Func fields, when set, replace the
// in-memory behavior of the matching method.
type Provider struct {
	Name_ string

	ListInstancesFunc      func(ctx context.Context) ([]models.StandardGpuInstance, error)
	GetOffersFunc          func(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error)
	CreateInstanceFunc     func(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error)
	TerminateInstanceFunc  func(ctx context.Context, id string) error
	GetInstanceMetricsFunc func(ctx context.Context, id string) (*models.InstanceMetrics, error)

	mu         sync.Mutex
	seq        int
	offers     []models.GpuOffer
	instances  map[string]*models.StandardGpuInstance
	metrics    map[string]models.InstanceMetrics
	terminated []string
	now        func() time.Time
}

// NewProvider returns an empty marketplace advertising offers.
func NewProvider(name string, offers ...models.GpuOffer) *Provider {
	p := &Provider{
		Name_:     name,
		instances: make(map[string]*models.StandardGpuInstance),
		metrics:   make(map[string]models.InstanceMetrics),
		now:       func() time.Time { return time.Now().UTC() },
	}
	p.SetOffers(offers...)
	return p
}

// NewDefaultProvider returns the marketplace served when GPU_PROVIDERS includes "mock".
func NewDefaultProvider() *Provider {
	reliable := 0.99
	return NewProvider("mock",
		models.GpuOffer{ID: "mock-t4", GPUType: "Tesla T4", GPUCount: 1, VCPUCount: 4, MemoryGB: 16, DiskGB: 50, CostPerHour: 0.2, Reliability: &reliable, Available: true},
		models.GpuOffer{ID: "mock-a10", GPUType: "A10", GPUCount: 1, VCPUCount: 8, MemoryGB: 32, DiskGB: 100, CostPerHour: 0.6, Reliability: &reliable, Available: true},
		models.GpuOffer{ID: "mock-a100", GPUType: "A100", GPUCount: 1, VCPUCount: 16, MemoryGB: 80, DiskGB: 200, CostPerHour: 1.8, Reliability: &reliable, Available: true},
	)
}

// NewFailingProvider returns a Provider whose remote calls all fail with err.
func NewFailingProvider(name string, err error) *Provider {
	p := NewProvider(name)
	p.ListInstancesFunc = func(context.Context) ([]models.StandardGpuInstance, error) { return nil, err }
	p.GetOffersFunc = func(context.Context, models.OfferFilter) ([]models.GpuOffer, error) { return nil, err }
	p.CreateInstanceFunc = func(context.Context, models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
		return nil, err
	}
	p.TerminateInstanceFunc = func(context.Context, string) error { return err }
	p.GetInstanceMetricsFunc = func(context.Context, string) (*models.InstanceMetrics, error) { return nil, err }
	return p
}

func (p *Provider) Name() string { return p.Name_ }

// SetOffers replaces the advertised offers. Offers are stamped with this provider's name.
func (p *Provider) SetOffers(offers ...models.GpuOffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = make([]models.GpuOffer, len(offers))
	for i, o := range offers {
		o.Provider = p.Name_
		p.offers[i] = o
	}
}

// SetMetrics fixes the utilization reported for an instance.
func (p *Provider) SetMetrics(id string, m models.InstanceMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics[id] = m
}

// SetStatus changes an instance's status as if the provider had done it.
func (p *Provider) SetStatus(id string, status models.InstanceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[id]; ok {
		inst.Status = status
	}
}

// Forget drops an instance without recording a termination, simulating
// removal on the provider side.
func (p *Provider) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, id)
}

// Terminated returns the ids passed to TerminateInstance, in call order.
func (p *Provider) Terminated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

// Live returns the number of instances that are not terminated.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, inst := range p.instances {
		if inst.Status != models.InstanceTerminated {
			n++
		}
	}
	return n
}

func (p *Provider) ListInstances(ctx context.Context) ([]models.StandardGpuInstance, error) {
	if p.ListInstancesFunc != nil {
		return p.ListInstancesFunc(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.StandardGpuInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) GetInstance(ctx context.Context, id string) (*models.StandardGpuInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (p *Provider) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
	if p.CreateInstanceFunc != nil {
		return p.CreateInstanceFunc(ctx, req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var offer *models.GpuOffer
	for i := range p.offers {
		if p.offers[i].ID == req.OfferID {
			offer = &p.offers[i]
			break
		}
	}
	if offer == nil {
		return nil, fmt.Errorf("%w: unknown offer %q", remote.ErrRejected, req.OfferID)
	}

	p.seq++
	inst := &models.StandardGpuInstance{
		ID:          fmt.Sprintf("%s-%d", p.Name_, p.seq),
		Name:        req.Name,
		Status:      models.InstanceRunning,
		Provider:    p.Name_,
		GPUType:     offer.GPUType,
		GPUCount:    offer.GPUCount,
		VCPUCount:   offer.VCPUCount,
		MemoryGB:    offer.MemoryGB,
		DiskGB:      offer.DiskGB,
		CostPerHour: offer.CostPerHour,
		ImageName:   req.ImageName,
		CreatedAt:   p.now(),
	}
	p.instances[inst.ID] = inst
	cp := *inst
	return &cp, nil
}

func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	if p.TerminateInstanceFunc != nil {
		return p.TerminateInstanceFunc(ctx, id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", remote.ErrNotFound, id)
	}
	inst.Status = models.InstanceTerminated
	p.terminated = append(p.terminated, id)
	return nil
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	return p.transition(id, models.InstanceStopped)
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	return p.transition(id, models.InstanceRunning)
}

func (p *Provider) transition(id string, to models.InstanceStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", remote.ErrNotFound, id)
	}
	if inst.Status == models.InstanceTerminated {
		return fmt.Errorf("%w: instance %s is terminated", remote.ErrRejected, id)
	}
	inst.Status = to
	return nil
}

func (p *Provider) GetOffers(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error) {
	if p.GetOffersFunc != nil {
		return p.GetOffersFunc(ctx, filter)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.GpuOffer(nil), p.offers...), nil
}

// GetInstanceMetrics reports SetMetrics values, or 50% GPU utilization by default.
func (p *Provider) GetInstanceMetrics(ctx context.Context, id string) (*models.InstanceMetrics, error) {
	if p.GetInstanceMetricsFunc != nil {
		return p.GetInstanceMetricsFunc(ctx, id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[id]; !ok {
		return nil, fmt.Errorf("%w: instance %s", remote.ErrNotFound, id)
	}
	m, ok := p.metrics[id]
	if !ok {
		m = models.InstanceMetrics{GPUUtilization: 50, CPUUtilization: 25, MemoryUtilization: 40}
	}
	m.SampledAt = p.now()
	return &m, nil
}

var _ models.GPUProvider = (*Provider)(nil)
