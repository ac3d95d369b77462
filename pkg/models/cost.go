package models

import (
	"time"

	"github.com/google/uuid"
)

// CostEntry is an append-only realized-cost record.
type CostEntry struct {
	ID              uuid.UUID         `db:"id"               json:"id"`
	UserID          string            `db:"user_id"          json:"user_id"`
	InstanceID      string            `db:"instance_id"      json:"instance_id"`
	Provider        string            `db:"provider"         json:"provider"`
	CostPerHour     float64           `db:"cost_per_hour"    json:"cost_per_hour"`
	DurationMinutes int               `db:"duration_minutes" json:"duration_minutes"`
	TotalCost       float64           `db:"total_cost"       json:"total_cost"`
	StartTime       time.Time         `db:"start_time"       json:"start_time"`
	EndTime         time.Time         `db:"end_time"         json:"end_time"`
	Description     string            `db:"description"      json:"description,omitempty"`
	Metadata        map[string]string `db:"metadata"         json:"metadata,omitempty"`
	CreatedAt       time.Time         `db:"created_at"       json:"created_at"`
}

// CostSummary aggregates entries over a time range.
type CostSummary struct {
	UserID     string             `json:"user_id"`
	From       time.Time          `json:"from"`
	To         time.Time          `json:"to"`
	TotalCost  float64            `json:"total_cost"`
	EntryCount int                `json:"entry_count"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByDay      map[string]float64 `json:"by_day"`
	ByInstance map[string]float64 `json:"by_instance"`
}

// CostAlert fires at most once per user per day.
type CostAlert struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    string    `db:"user_id"    json:"user_id"`
	Day       string    `db:"day"        json:"day"`
	TotalCost float64   `db:"total_cost" json:"total_cost"`
	Threshold float64   `db:"threshold"  json:"threshold"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RunningCost is a live estimate for an instance that has not been released yet.
type RunningCost struct {
	InstanceID     string    `json:"instance_id"`
	Provider       string    `json:"provider"`
	CostPerHour    float64   `json:"cost_per_hour"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	EstimatedCost  float64   `json:"estimated_cost"`
}
