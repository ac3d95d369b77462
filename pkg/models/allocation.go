package models

import (
	"time"

	"github.com/google/uuid"
)

// AllocationState is the locally derived state of an allocation.
type AllocationState string

const (
	AllocationAllocated  AllocationState = "allocated"
	AllocationBusy       AllocationState = "busy"
	AllocationIdle       AllocationState = "idle"
	AllocationError      AllocationState = "error"
	AllocationTerminated AllocationState = "terminated"
)

// ResourceAllocation binds one instance to one job/user.
type ResourceAllocation struct {
	InstanceID        string              `json:"instance_id"`
	Provider          string              `json:"provider"`
	GPUType           string              `json:"gpu_type"`
	CostPerHour       float64             `json:"cost_per_hour"`
	AllocatedAt       time.Time           `json:"allocated_at"`
	EstimatedDuration time.Duration       `json:"estimated_duration"`
	Priority          Priority            `json:"priority"`
	UserID            string              `json:"user_id"`
	JobID             *uuid.UUID          `json:"job_id,omitempty"`
	State             AllocationState     `json:"state"`
	Utilization       float64             `json:"utilization"`
	IdleSince         *time.Time          `json:"idle_since,omitempty"`
	LastPolledAt      *time.Time          `json:"last_polled_at,omitempty"`
	Instance          StandardGpuInstance `json:"instance"`
}

// ResourceRequirements describes what a job needs from the resource manager.
type ResourceRequirements struct {
	UserID            string     `json:"user_id"`
	JobID             *uuid.UUID `json:"job_id,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	GPUType           string     `json:"gpu_type,omitempty"`
	MinGPUCount       int        `json:"min_gpu_count,omitempty"`
	MinMemoryGB       float64    `json:"min_memory_gb,omitempty"`
	MaxCostPerHour    float64    `json:"max_cost_per_hour,omitempty"`
	FileCount         int        `json:"file_count"`
	BatchSize         int        `json:"batch_size"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	ImageName         string     `json:"image_name,omitempty"`
}

const (
	RecommendationTerminateIdle = "terminate_idle"
	RecommendationMigrate       = "migrate"
)

// Recommendation is an optimization finding. Only terminate_idle entries past
// the idle threshold are acted on; migrate entries are advisory.
type Recommendation struct {
	Type           string    `json:"type"`
	InstanceID     string    `json:"instance_id"`
	UserID         string    `json:"user_id"`
	Provider       string    `json:"provider"`
	Reason         string    `json:"reason"`
	TargetProvider string    `json:"target_provider,omitempty"`
	TargetOfferID  string    `json:"target_offer_id,omitempty"`
	HourlySavings  float64   `json:"hourly_savings,omitempty"`
	Executed       bool      `json:"executed"`
	CreatedAt      time.Time `json:"created_at"`
}
