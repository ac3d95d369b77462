package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const ProviderName = "runpod"

// Provider implements models.GPUProvider against the RunPod GraphQL API.
type Provider struct {
	client *remote.Client
	now    func() time.Time
}

func NewProvider(cfg config.RunPodConfig, timeout time.Duration, requestsPerSec float64) *Provider {
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
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (p *Provider) Name() string { return ProviderName }

// query runs one GraphQL operation and decodes its data into out.
func (p *Provider) query(ctx context.Context, q string, vars map[string]any, out any) error {
	var resp graphQLResponse
	if err := p.client.Do(ctx, http.MethodPost, "", nil, graphQLRequest{Query: q, Variables: vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		joined := strings.Join(msgs, "; ")
		if strings.Contains(strings.ToLower(joined), "not found") {
			return fmt.Errorf("%w: %s", remote.ErrNotFound, joined)
		}
		if strings.Contains(strings.ToLower(joined), "unauthorized") {
			return fmt.Errorf("%w: %s", remote.ErrUnauthenticated, joined)
		}
		return fmt.Errorf("%w: %s", remote.ErrRejected, joined)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}

func (p *Provider) ListInstances(ctx context.Context) ([]models.StandardGpuInstance, error) {
	var data struct {
		Myself struct {
			Pods []pod `json:"pods"`
		} `json:"myself"`
	}
	if err := p.query(ctx, queryPods, nil, &data); err != nil {
		return nil, err
	}
	now := p.now()
	out := make([]models.StandardGpuInstance, 0, len(data.Myself.Pods))
	for _, pd := range data.Myself.Pods {
		out = append(out, toStandardInstance(pd, now))
	}
	return out, nil
}

func (p *Provider) GetInstance(ctx context.Context, id string) (*models.StandardGpuInstance, error) {
	pd, err := p.getPod(ctx, id)
	if err != nil || pd == nil {
		return nil, err
	}
	inst := toStandardInstance(*pd, p.now())
	return &inst, nil
}

func (p *Provider) getPod(ctx context.Context, id string) (*pod, error) {
	var data struct {
		Pod *pod `json:"pod"`
	}
	err := p.query(ctx, queryPod, map[string]any{"podId": id}, &data)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data.Pod, nil
}

// CreateInstance deploys an on-demand pod. OfferID is the RunPod gpu type id.
func (p *Provider) CreateInstance(ctx context.Context, req models.CreateInstanceRequest) (*models.StandardGpuInstance, error) {
	gpuTypeID := req.OfferID
	if gpuTypeID == "" {
		gpuTypeID = req.GPUType
	}
	if gpuTypeID == "" {
		return nil, fmt.Errorf("%w: offer id or gpu type is required", remote.ErrRejected)
	}
	gpuCount := req.GPUCount
	if gpuCount < 1 {
		gpuCount = 1
	}

	input := map[string]any{
		"cloudType": "ALL",
		"gpuCount":  gpuCount,
		"gpuTypeId": gpuTypeID,
		"name":      req.Name,
		"imageName": req.ImageName,
	}
	if req.DiskGB > 0 {
		input["containerDiskInGb"] = int(req.DiskGB)
	}
	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]envVar, 0, len(keys))
		for _, k := range keys {
			env = append(env, envVar{Key: k, Value: req.Env[k]})
		}
		input["env"] = env
	}

	var data struct {
		Pod *pod `json:"podFindAndDeployOnDemand"`
	}
	if err := p.query(ctx, mutationDeploy, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	if data.Pod == nil {
		return nil, fmt.Errorf("%w: no capacity for gpu type %s", remote.ErrRejected, gpuTypeID)
	}
	inst := toStandardInstance(*data.Pod, p.now())
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = p.now()
	}
	return &inst, nil
}

func (p *Provider) TerminateInstance(ctx context.Context, id string) error {
	return p.query(ctx, mutationTerm, map[string]any{"podId": id}, nil)
}

func (p *Provider) StopInstance(ctx context.Context, id string) error {
	return p.query(ctx, mutationStop, map[string]any{"podId": id}, nil)
}

// StartInstance resumes a stopped pod with its previous gpu count.
func (p *Provider) StartInstance(ctx context.Context, id string) error {
	pd, err := p.getPod(ctx, id)
	if err != nil {
		return err
	}
	if pd == nil {
		return fmt.Errorf("%w: pod %s", remote.ErrNotFound, id)
	}
	gpuCount := pd.GPUCount
	if gpuCount < 1 {
		gpuCount = 1
	}
	return p.query(ctx, mutationResume, map[string]any{"podId": id, "gpuCount": gpuCount}, nil)
}

// GetOffers lists GPU types priced for the requested count. Only numeric filters
// are applied here.
func (p *Provider) GetOffers(ctx context.Context, filter models.OfferFilter) ([]models.GpuOffer, error) {
	gpuCount := filter.MinGPUCount
	if gpuCount < 1 {
		gpuCount = 1
	}
	var data struct {
		GPUTypes []gpuType `json:"gpuTypes"`
	}
	if err := p.query(ctx, queryGPUTypes, map[string]any{"gpuCount": gpuCount}, &data); err != nil {
		return nil, err
	}
	out := make([]models.GpuOffer, 0, len(data.GPUTypes))
	for _, g := range data.GPUTypes {
		o := toOffer(g, gpuCount)
		if !o.Available {
			continue
		}
		if filter.MaxCostPerHour > 0 && o.CostPerHour > filter.MaxCostPerHour {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *Provider) GetInstanceMetrics(ctx context.Context, id string) (*models.InstanceMetrics, error) {
	pd, err := p.getPod(ctx, id)
	if err != nil {
		return nil, err
	}
	if pd == nil {
		return nil, fmt.Errorf("%w: pod %s", remote.ErrNotFound, id)
	}
	if m := toMetrics(pd.Runtime, p.now()); m != nil {
		return m, nil
	}
	return &models.InstanceMetrics{SampledAt: p.now()}, nil
}

var _ models.GPUProvider = (*Provider)(nil)
