package models

import "time"

// InstanceStatus is the provider-independent lifecycle state of a remote instance.
type InstanceStatus string

const (
	InstanceCreated    InstanceStatus = "created"
	InstanceStarting   InstanceStatus = "starting"
	InstanceRunning    InstanceStatus = "running"
	InstanceStopping   InstanceStatus = "stopping"
	InstanceStopped    InstanceStatus = "stopped"
	InstanceTerminated InstanceStatus = "terminated"
)

// InstanceMetrics is a point-in-time utilization sample. Percentages are 0-100.
type InstanceMetrics struct {
	CPUUtilization    float64   `json:"cpu_utilization"`
	MemoryUtilization float64   `json:"memory_utilization"`
	GPUUtilization    float64   `json:"gpu_utilization"`
	NetworkRxMbps     float64   `json:"network_rx_mbps"`
	NetworkTxMbps     float64   `json:"network_tx_mbps"`
	SampledAt         time.Time `json:"sampled_at"`
}

// StandardGpuInstance is the normalized view of a provider instance.
type StandardGpuInstance struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      InstanceStatus   `json:"status"`
	Provider    string           `json:"provider"`
	GPUType     string           `json:"gpu_type"`
	GPUCount    int              `json:"gpu_count"`
	VCPUCount   int              `json:"vcpu_count"`
	MemoryGB    float64          `json:"memory_gb"`
	DiskGB      float64          `json:"disk_gb"`
	CostPerHour float64          `json:"cost_per_hour"`
	MachineID   string           `json:"machine_id,omitempty"`
	ImageName   string           `json:"image_name,omitempty"`
	PublicIP    string           `json:"public_ip,omitempty"`
	Ports       map[string]int   `json:"ports,omitempty"`
	Metrics     *InstanceMetrics `json:"metrics,omitempty"`
	CreatedAt   time.Time        `json:"created_at,omitempty"`
}

// GpuOffer is a rentable configuration advertised by a provider.
type GpuOffer struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	GPUType     string   `json:"gpu_type"`
	GPUCount    int      `json:"gpu_count"`
	VCPUCount   int      `json:"vcpu_count"`
	MemoryGB    float64  `json:"memory_gb"`
	DiskGB      float64  `json:"disk_gb"`
	CostPerHour float64  `json:"cost_per_hour"`
	Reliability *float64 `json:"reliability,omitempty"`
	Available   bool     `json:"available"`
}

// OfferFilter narrows offers. Zero values disable the corresponding filter.
type OfferFilter struct {
	Provider       string  `json:"provider,omitempty"`
	GPUType        string  `json:"gpu_type,omitempty"`
	MinGPUCount    int     `json:"min_gpu_count,omitempty"`
	MaxCostPerHour float64 `json:"max_cost_per_hour,omitempty"`
	MinMemoryGB    float64 `json:"min_memory_gb,omitempty"`
}

// CreateInstanceRequest rents a specific offer on one provider.
type CreateInstanceRequest struct {
	Provider  string            `json:"provider"`
	OfferID   string            `json:"offer_id"`
	Name      string            `json:"name"`
	GPUType   string            `json:"gpu_type,omitempty"`
	GPUCount  int               `json:"gpu_count,omitempty"`
	ImageName string            `json:"image_name"`
	DiskGB    float64           `json:"disk_gb,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}
