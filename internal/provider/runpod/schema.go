package runpod

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const podFields = `
	id
	name
	desiredStatus
	imageName
	costPerHr
	machineId
	gpuCount
	vcpuCount
	memoryInGb
	volumeInGb
	containerDiskInGb
	machine { gpuDisplayName }
	runtime {
		uptimeInSeconds
		ports { ip isIpPublic privatePort publicPort type }
		gpus { id gpuUtilPercent memoryUtilPercent }
		container { cpuPercent memoryPercent }
	}`

const (
	queryPods      = `query Pods { myself { pods {` + podFields + `} } }`
	queryPod       = `query Pod($podId: String!) { pod(input: {podId: $podId}) {` + podFields + `} }`
	mutationDeploy = `mutation Deploy($input: PodFindAndDeployOnDemandInput) { podFindAndDeployOnDemand(input: $input) {` + podFields + `} }`
	mutationStop   = `mutation Stop($podId: String!) { podStop(input: {podId: $podId}) { id desiredStatus } }`
	mutationResume = `mutation Resume($podId: String!, $gpuCount: Int!) { podResume(input: {podId: $podId, gpuCount: $gpuCount}) { id desiredStatus } }`
	mutationTerm   = `mutation Terminate($podId: String!) { podTerminate(input: {podId: $podId}) }`
	queryGPUTypes  = `query GpuTypes($gpuCount: Int!) { gpuTypes { id displayName memoryInGb secureCloud communityCloud lowestPrice(input: {gpuCount: $gpuCount}) { minimumBidPrice uninterruptablePrice } } }`
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// pod mirrors the RunPod pod object. Memory is already reported in GB.
type pod struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	DesiredStatus     string   `json:"desiredStatus"`
	ImageName         string   `json:"imageName"`
	CostPerHr         float64  `json:"costPerHr"`
	MachineID         string   `json:"machineId"`
	GPUCount          int      `json:"gpuCount"`
	VCPUCount         float64  `json:"vcpuCount"`
	MemoryInGB        float64  `json:"memoryInGb"`
	VolumeInGB        float64  `json:"volumeInGb"`
	ContainerDiskInGB float64  `json:"containerDiskInGb"`
	Machine           *machine `json:"machine"`
	Runtime           *runtime `json:"runtime"`
}

type machine struct {
	GPUDisplayName string `json:"gpuDisplayName"`
}

type runtime struct {
	UptimeInSeconds int64       `json:"uptimeInSeconds"`
	Ports           []port      `json:"ports"`
	GPUs            []gpuSample `json:"gpus"`
	Container       *container  `json:"container"`
}

type port struct {
	IP          string `json:"ip"`
	IsIPPublic  bool   `json:"isIpPublic"`
	PrivatePort int    `json:"privatePort"`
	PublicPort  int    `json:"publicPort"`
	Type        string `json:"type"`
}

type gpuSample struct {
	ID                string  `json:"id"`
	GPUUtilPercent    float64 `json:"gpuUtilPercent"`
	MemoryUtilPercent float64 `json:"memoryUtilPercent"`
}

type container struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

type gpuType struct {
	ID             string       `json:"id"`
	DisplayName    string       `json:"displayName"`
	MemoryInGB     float64      `json:"memoryInGb"`
	SecureCloud    bool         `json:"secureCloud"`
	CommunityCloud bool         `json:"communityCloud"`
	LowestPrice    *lowestPrice `json:"lowestPrice"`
}

type lowestPrice struct {
	MinimumBidPrice      *float64 `json:"minimumBidPrice"`
	UninterruptablePrice *float64 `json:"uninterruptablePrice"`
}

type envVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// mapStatus converts RunPod's desiredStatus. A RUNNING pod without a runtime
// is still booting. Unknown values map to Created.
func mapStatus(desired string, rt *runtime) models.InstanceStatus {
	switch strings.ToUpper(desired) {
	case "RUNNING":
		if rt == nil {
			return models.InstanceStarting
		}
		return models.InstanceRunning
	case "EXITED":
		return models.InstanceStopped
	case "TERMINATED":
		return models.InstanceTerminated
	case "CREATED":
		return models.InstanceCreated
	}
	return models.InstanceCreated
}

// toStandardInstance is the pure mapping from the RunPod schema.
func toStandardInstance(p pod, now time.Time) models.StandardGpuInstance {
	out := models.StandardGpuInstance{
		ID:          p.ID,
		Name:        p.Name,
		Status:      mapStatus(p.DesiredStatus, p.Runtime),
		Provider:    ProviderName,
		GPUCount:    p.GPUCount,
		VCPUCount:   int(p.VCPUCount),
		MemoryGB:    p.MemoryInGB,
		DiskGB:      p.VolumeInGB + p.ContainerDiskInGB,
		CostPerHour: p.CostPerHr,
		MachineID:   p.MachineID,
		ImageName:   p.ImageName,
	}
	if p.Machine != nil {
		out.GPUType = p.Machine.GPUDisplayName
	}
	if p.Runtime != nil {
		out.CreatedAt = now.Add(-time.Duration(p.Runtime.UptimeInSeconds) * time.Second).Truncate(time.Second)
		for _, pt := range p.Runtime.Ports {
			if !pt.IsIPPublic {
				continue
			}
			if out.PublicIP == "" {
				out.PublicIP = pt.IP
			}
			if out.Ports == nil {
				out.Ports = make(map[string]int)
			}
			out.Ports[portKey(pt)] = pt.PublicPort
		}
	}
	out.Metrics = toMetrics(p.Runtime, now)
	return out
}

func portKey(pt port) string {
	proto := strings.ToLower(pt.Type)
	if proto == "" {
		proto = "tcp"
	}
	return strconv.Itoa(pt.PrivatePort) + "/" + proto
}

// toMetrics averages per-GPU samples. It returns nil when the pod is not running.
func toMetrics(rt *runtime, now time.Time) *models.InstanceMetrics {
	if rt == nil {
		return nil
	}
	m := &models.InstanceMetrics{SampledAt: now}
	if len(rt.GPUs) > 0 {
		var sum float64
		for _, g := range rt.GPUs {
			sum += g.GPUUtilPercent
		}
		m.GPUUtilization = sum / float64(len(rt.GPUs))
	}
	if rt.Container != nil {
		m.CPUUtilization = rt.Container.CPUPercent
		m.MemoryUtilization = rt.Container.MemoryPercent
	}
	return m
}

// toOffer maps a GPU type into an offer priced for gpuCount GPUs.
func toOffer(g gpuType, gpuCount int) models.GpuOffer {
	out := models.GpuOffer{
		ID:       g.ID,
		Provider: ProviderName,
		GPUType:  g.DisplayName,
		GPUCount: gpuCount,
		MemoryGB: g.MemoryInGB,
	}
	if g.LowestPrice != nil && g.LowestPrice.UninterruptablePrice != nil {
		out.CostPerHour = *g.LowestPrice.UninterruptablePrice
	}
	out.Available = out.CostPerHour > 0 && (g.SecureCloud || g.CommunityCloud)
	return out
}
