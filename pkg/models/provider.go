package models

import "context"

// GPUProvider is the uniform capability surface over one compute marketplace.
// Implementations must be safe for concurrent use.
type GPUProvider interface {
	// Name returns the provider tag (e.g., "vastai", "runpod").
	Name() string
	ListInstances(ctx context.Context) ([]StandardGpuInstance, error)
	// GetInstance returns (nil, nil) when the provider does not know the id.
	GetInstance(ctx context.Context, id string) (*StandardGpuInstance, error)
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*StandardGpuInstance, error)
	TerminateInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	StartInstance(ctx context.Context, id string) error
	GetOffers(ctx context.Context, filter OfferFilter) ([]GpuOffer, error)
	GetInstanceMetrics(ctx context.Context, id string) (*InstanceMetrics, error)
}
