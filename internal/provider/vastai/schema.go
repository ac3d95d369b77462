package vastai

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const mbPerGB = 1024

// instance mirrors the fields of a Vast.ai instance we rely on.
// cpu_ram is reported in MB, disk_space in GB.
type instance struct {
	ID                int                      `json:"id"`
	Label             *string                  `json:"label"`
	ActualStatus      *string                  `json:"actual_status"`
	IntendedStatus    string                   `json:"intended_status"`
	GPUName           string                   `json:"gpu_name"`
	NumGPUs           int                      `json:"num_gpus"`
	CPUCoresEffective float64                  `json:"cpu_cores_effective"`
	CPURAM            float64                  `json:"cpu_ram"`
	DiskSpace         float64                  `json:"disk_space"`
	DPHTotal          float64                  `json:"dph_total"`
	MachineID         int                      `json:"machine_id"`
	ImageUUID         string                   `json:"image_uuid"`
	PublicIPAddr      string                   `json:"public_ipaddr"`
	Ports             map[string][]portBinding `json:"ports"`
	GPUUtil           *float64                 `json:"gpu_util"`
	CPUUtil           *float64                 `json:"cpu_util"`
	MemUsage          *float64                 `json:"mem_usage"`
	MemLimit          *float64                 `json:"mem_limit"`
	InetUp            *float64                 `json:"inet_up"`
	InetDown          *float64                 `json:"inet_down"`
	StartDate         *float64                 `json:"start_date"`
}

type portBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

type listInstancesResponse struct {
	Instances []instance `json:"instances"`
}

type getInstanceResponse struct {
	Instances *instance `json:"instances"`
}

type offer struct {
	ID                int      `json:"id"`
	GPUName           string   `json:"gpu_name"`
	NumGPUs           int      `json:"num_gpus"`
	CPUCoresEffective float64  `json:"cpu_cores_effective"`
	CPURAM            float64  `json:"cpu_ram"`
	DiskSpace         float64  `json:"disk_space"`
	DPHTotal          float64  `json:"dph_total"`
	Reliability       *float64 `json:"reliability2"`
	Rentable          bool     `json:"rentable"`
}

type offersResponse struct {
	Offers []offer `json:"offers"`
}

type createRequest struct {
	ClientID string            `json:"client_id"`
	Image    string            `json:"image"`
	Disk     float64           `json:"disk,omitempty"`
	Label    string            `json:"label,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

type createResponse struct {
	Success     bool `json:"success"`
	NewContract int  `json:"new_contract"`
}

type stateRequest struct {
	State string `json:"state"`
}

// mapStatus converts Vast.ai's actual_status vocabulary. Unknown values map to Created.
func mapStatus(actual *string, intended string) models.InstanceStatus {
	status := ""
	if actual != nil {
		status = strings.ToLower(*actual)
	}
	switch status {
	case "running":
		if intended == "stopped" {
			return models.InstanceStopping
		}
		return models.InstanceRunning
	case "loading", "scheduling", "starting":
		return models.InstanceStarting
	case "exited", "stopped":
		return models.InstanceStopped
	case "stopping":
		return models.InstanceStopping
	case "destroyed", "deleted", "terminated":
		return models.InstanceTerminated
	case "created":
		return models.InstanceCreated
	}
	return models.InstanceCreated
}

func mbToGB(mb float64) float64 {
	return math.Round(mb/mbPerGB*100) / 100
}

// toStandardInstance is the pure mapping from the Vast.ai schema.
func toStandardInstance(in instance) models.StandardGpuInstance {
	out := models.StandardGpuInstance{
		ID:          strconv.Itoa(in.ID),
		Status:      mapStatus(in.ActualStatus, in.IntendedStatus),
		Provider:    ProviderName,
		GPUType:     in.GPUName,
		GPUCount:    in.NumGPUs,
		VCPUCount:   int(in.CPUCoresEffective),
		MemoryGB:    mbToGB(in.CPURAM),
		DiskGB:      in.DiskSpace,
		CostPerHour: in.DPHTotal,
		ImageName:   in.ImageUUID,
		PublicIP:    in.PublicIPAddr,
	}
	if in.Label != nil {
		out.Name = *in.Label
	}
	if in.MachineID != 0 {
		out.MachineID = strconv.Itoa(in.MachineID)
	}
	if in.StartDate != nil {
		out.CreatedAt = time.Unix(int64(*in.StartDate), 0).UTC()
	}
	if len(in.Ports) > 0 {
		out.Ports = make(map[string]int, len(in.Ports))
		for container, bindings := range in.Ports {
			if len(bindings) == 0 {
				continue
			}
			if p, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				out.Ports[container] = p
			}
		}
	}
	out.Metrics = toMetrics(in)
	return out
}

// toMetrics returns nil when the instance carries no utilization sample.
func toMetrics(in instance) *models.InstanceMetrics {
	if in.GPUUtil == nil && in.CPUUtil == nil {
		return nil
	}
	m := &models.InstanceMetrics{SampledAt: time.Now().UTC()}
	if in.GPUUtil != nil {
		m.GPUUtilization = *in.GPUUtil
	}
	if in.CPUUtil != nil {
		m.CPUUtilization = *in.CPUUtil
	}
	if in.MemUsage != nil && in.MemLimit != nil && *in.MemLimit > 0 {
		m.MemoryUtilization = *in.MemUsage / *in.MemLimit * 100
	}
	if in.InetDown != nil {
		m.NetworkRxMbps = *in.InetDown
	}
	if in.InetUp != nil {
		m.NetworkTxMbps = *in.InetUp
	}
	return m
}

// toOffer is the pure mapping from a Vast.ai bundle. Memory is converted from MB.
func toOffer(in offer) models.GpuOffer {
	return models.GpuOffer{
		ID:          strconv.Itoa(in.ID),
		Provider:    ProviderName,
		GPUType:     in.GPUName,
		GPUCount:    in.NumGPUs,
		VCPUCount:   int(in.CPUCoresEffective),
		MemoryGB:    mbToGB(in.CPURAM),
		DiskGB:      in.DiskSpace,
		CostPerHour: in.DPHTotal,
		Reliability: in.Reliability,
		Available:   in.Rentable,
	}
}
