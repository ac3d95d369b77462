package vastai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const ProviderName = "vastai"

// Provider implements models.GPUProvider against the Vast.ai REST API.
type Provider struct {
	client *remote.Client
}

func NewProvider(cfg config.VastAIConfig, timeout time.Duration, requestsPerSec float64) *Provider {
	apiKey := cfg.APIKey
	return &Provider{
		client: remote.NewClient(remote.Options{
			BaseURL:        cfg.BaseURL,
			Timeout:        timeout,
			RequestsPerSec: requestsPerSec,
			Authorize: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			},
		}),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) ListInstances(ctx context.Context) ([]models.StandardGpuInstance, error) {
	var resp listInstancesResponse
	if err := p.client.Do(ctx, http.MethodGet, "/instances/", url.Values{"owner": {"me"}}, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.StandardGpuInstance, 0, len(resp.Instances))
	for _, in := range resp.Instances {
		out = append(out, toStandardInstance(in))
	}
	return out, nil
}

func (p *Provider) GetInstance(ctx context.Context, id string) (*models.StandardGpuInstance, error) {
	in, err := p.getRaw(ctx, id)
	if err != nil || in == nil {
		return nil, err
	}
	inst := toStandardInstance(*in)
	return &inst, nil
}

func (p *Provider) getRaw(ctx context.Context, id string) (*instance, error) {
	var resp getInstanceResponse
	err := p.client.Do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id)+"/", nil, nil, &resp)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (p *Provider) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
	if req.OfferID == "" {
		return nil, fmt.Errorf("%w: offer id is required", remote.ErrRejected)
	}
	var resp createResponse
	err := p.client.Do(ctx, http.MethodPut, "/asks/"+url.PathEscape(req.OfferID)+"/", nil, createRequest{
		ClientID: "me",
		Image:    req.ImageName,
		Disk:     req.DiskGB,
		Label:    req.Name,
		Env:      req.Env,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.NewContract == 0 {
		return nil, fmt.Errorf("%w: offer %s was not accepted", remote.ErrRejected, req.OfferID)
	}

	id := strconv.Itoa(resp.NewContract)
	inst, err := p.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		// The contract exists before the instance is listed.
		inst = &models.StandardGpuInstance{
			ID:        id,
			Name:      req.Name,
			Status:    models.InstanceCreated,
			Provider:  ProviderName,
			GPUType:   req.GPUType,
			GPUCount:  req.GPUCount,
			ImageName: req.ImageName,
			CreatedAt: time.Now().UTC(),
		}
	}
	return inst, nil
}

func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	return p.client.Do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(id)+"/", nil, nil, nil)
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	return p.client.Do(ctx, http.MethodPut, "/instances/"+url.PathEscape(id)+"/", nil, stateRequest{State: "stopped"}, nil)
}

func (p *Provider) StartInstance(ctx context.Context, id string) error {
	return p.client.Do(ctx, http.MethodPut, "/instances/"+url.PathEscape(id)+"/", nil, stateRequest{State: "running"}, nil)
}

// GetOffers pushes the numeric filters to the bundles search; gpu type matching
// is left to the caller.
func (p *Provider) GetOffers(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error) {
	q := map[string]any{
		"rentable": map[string]any{"eq": true},
	}
	if filter.MinGPUCount > 0 {
		q["num_gpus"] = map[string]any{"gte": filter.MinGPUCount}
	}
	if filter.MaxCostPerHour > 0 {
		q["dph_total"] = map[string]any{"lte": filter.MaxCostPerHour}
	}
	if filter.MinMemoryGB > 0 {
		q["cpu_ram"] = map[string]any{"gte": filter.MinMemoryGB * mbPerGB}
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding offer query: %w", err)
	}

	var resp offersResponse
	if err := p.client.Do(ctx, http.MethodGet, "/bundles/", url.Values{"q": {string(raw)}}, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.GpuOffer, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		out = append(out, toOffer(o))
	}
	return out, nil
}

// GetInstanceMetrics reads the utilization fields reported on the instance itself.
func (p *Provider) GetInstanceMetrics(ctx context.Context, id string) (*models.InstanceMetrics, error) {
	in, err := p.getRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("%w: instance %s", remote.ErrNotFound, id)
	}
	if m := toMetrics(*in); m != nil {
		return m, nil
	}
	return &models.InstanceMetrics{SampledAt: time.Now().UTC()}, nil
}

var _ models.GPUProvider = (*Provider)(nil)
