// Package provider aggregates the configured GPU provider adapters behind one
// routing and fan-out surface.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/gpubatch/internal/metrics"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const offerCacheSize = 256

// Manager routes calls to a single adapter by provider tag and fans read
// queries out to every adapter. It is safe for concurrent use.
type Manager struct {
	adapters map[string]models.GPUProvider
	order    []string
	offers   *expirable.LRU[string, []models.GpuOffer]
}

// NewManager wraps adapters. Offer lists are cached per provider and filter for
// offerCacheTTL; a non-positive TTL disables caching.
func NewManager(adapters []models.GPUProvider, offerCacheTTL time.Duration) *Manager {
	m := &Manager{adapters: make(map[string]models.GPUProvider, len(adapters))}
	for _, a := range adapters {
		if _, dup := m.adapters[a.Name()]; dup {
			continue
		}
		m.adapters[a.Name()] = a
		m.order = append(m.order, a.Name())
	}
	if offerCacheTTL > 0 {
		m.offers = expirable.NewLRU[string, []models.GpuOffer](offerCacheSize, nil, offerCacheTTL)
	}
	return m
}

// Providers returns the configured provider tags in configuration order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

func (m *Manager) adapter(name string) (models.GPUProvider, error) {
	a, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, name)
	}
	return a, nil
}

// call runs one adapter operation, recording its latency and converting a
// failure into a logged ProviderError.
func (m *Manager) call(a models.GPUProvider, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObserveProviderCall(a.Name(), op, time.Since(start).Seconds(), err)
	if err == nil {
		return nil
	}
	slog.Warn("provider call failed", "provider", a.Name(), "op", op, "error", err)
	return &ProviderError{Provider: a.Name(), Op: op, Err: err}
}

// GetAllInstances merges the instances of every adapter. An adapter that fails
// is logged and skipped; the error is returned only when every adapter failed.
func (m *Manager) GetAllInstances(ctx context.Context) ([]models.StandardGpuInstance, error) {
	results := make([][]models.StandardGpuInstance, len(m.order))
	errs := make([]error, len(m.order))

	var g errgroup.Group
	for i, name := range m.order {
		i := i
		a := m.adapters[name]
		g.Go(func() error {
			errs[i] = m.call(a, "list_instances", func() error {
				var err error
				results[i], err = a.ListInstances(ctx)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()

	var out []models.StandardGpuInstance
	failed := 0
	for i := range m.order {
		if errs[i] != nil {
			failed++
			continue
		}
		out = append(out, results[i]...)
	}
	if failed > 0 && failed == len(m.order) {
		return nil, errs[0]
	}
	return out, nil
}

func (m *Manager) GetInstancesByProvider(ctx context.Context, name string) ([]models.StandardGpuInstance, error) {
	a, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	var out []models.StandardGpuInstance
	err = m.call(a, "list_instances", func() error {
		var err error
		out, err = a.ListInstances(ctx)
		return err
	})
	return out, err
}

// GetInstance returns (nil, nil) when the provider does not know the id.
func (m *Manager) GetInstance(ctx context.Context, name, id string) (*models.StandardGpuInstance, error) {
	a, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	var out *models.StandardGpuInstance
	err = m.call(a, "get_instance", func() error {
		var err error
		out, err = a.GetInstance(ctx, id)
		return err
	})
	return out, err
}

// CreateInstance routes to the adapter named by req.Provider.
func (m *Manager) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
	a, err := m.adapter(req.Provider)
	if err != nil {
		return nil, err
	}
	var out *models.StandardGpuInstance
	err = m.call(a, "create_instance", func() error {
		var err error
		out, err = a.CreateInstance(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Provider = a.Name()
	return out, nil
}

func (m *Manager) TerminateInstance(ctx context.Context, name, id string) error {
	a, err := m.adapter(name)
	if err != nil {
		return err
	}
	return m.call(a, "terminate_instance", func() error { return a.TerminateInstance(ctx, id) })
}

func (m *Manager) StopInstance(ctx context.Context, name, id string) error {
	a, err := m.adapter(name)
	if err != nil {
		return err
	}
	return m.call(a, "stop_instance", func() error { return a.StopInstance(ctx, id) })
}

func (m *Manager) StartInstance(ctx context.Context, name, id string) error {
	a, err := m.adapter(name)
	if err != nil {
		return err
	}
	return m.call(a, "start_instance", func() error { return a.StartInstance(ctx, id) })
}

func (m *Manager) GetInstanceMetrics(ctx context.Context, name, id string) (*models.InstanceMetrics, error) {
	a, err := m.adapter(name)
	if err != nil {
		return nil, err
	}
	var out *models.InstanceMetrics
	err = m.call(a, "get_metrics", func() error {
		var err error
		out, err = a.GetInstanceMetrics(ctx, id)
		return err
	})
	return out, err
}

// GetAvailableOffers fans out to every adapter (or only filter.Provider when
// set), merges the offers, applies filter client-side and sorts ascending by
// cost per hour. Failing adapters are skipped; the first error is returned
// only when every queried adapter failed.
func (m *Manager) GetAvailableOffers(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error) {
	names := m.order
	if filter.Provider != "" {
		if _, err := m.adapter(filter.Provider); err != nil {
			return nil, err
		}
		names = []string{filter.Provider}
	}

	results := make([][]models.GpuOffer, len(names))
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		i := i
		a := m.adapters[name]
		g.Go(func() error {
			results[i], errs[i] = m.offersFrom(ctx, a, filter)
			return nil
		})
	}
	_ = g.Wait()

	var merged []models.GpuOffer
	failed := 0
	for i := range names {
		if errs[i] != nil {
			failed++
			continue
		}
		merged = append(merged, results[i]...)
	}
	if failed > 0 && failed == len(names) {
		return nil, errs[0]
	}
	return FilterOffers(merged, filter), nil
}

func (m *Manager) offersFrom(ctx context.Context, a models.GPUProvider, filter models.OfferFilter) ([]models.GpuOffer, error) {
	key := fmt.Sprintf("%s|%d|%g|%g", a.Name(), filter.MinGPUCount, filter.MaxCostPerHour, filter.MinMemoryGB)
	if m.offers != nil {
		if cached, ok := m.offers.Get(key); ok {
			return cached, nil
		}
	}

	var offers []models.GpuOffer
	err := m.call(a, "get_offers", func() error {
		var err error
		offers, err = a.GetOffers(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range offers {
		offers[i].Provider = a.Name()
	}
	if m.offers != nil {
		m.offers.Add(key, offers)
	}
	return offers, nil
}

// FilterOffers applies the client-side offer filters and returns the survivors
// sorted ascending by cost per hour. Ties keep their input order.
func FilterOffers(offers []models.GpuOffer, filter models.OfferFilter) []models.GpuOffer {
	gpuType := strings.ToLower(strings.TrimSpace(filter.GPUType))
	out := make([]models.GpuOffer, 0, len(offers))
	for _, o := range offers {
		if gpuType != "" && !strings.Contains(strings.ToLower(o.GPUType), gpuType) {
			continue
		}
		if filter.MinGPUCount > 0 && o.GPUCount < filter.MinGPUCount {
			continue
		}
		if filter.MaxCostPerHour > 0 && o.CostPerHour > filter.MaxCostPerHour {
			continue
		}
		if filter.MinMemoryGB > 0 && o.MemoryGB < filter.MinMemoryGB {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CostPerHour < out[j].CostPerHour })
	return out
}
