package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// IsTerminalJobStatus reports whether no further transition is allowed out of status.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// OperationType is the kind of analysis applied to every file of a batch.
type OperationType string

const (
	OperationFaceDetection      OperationType = "face-detection"
	OperationAudioTranscription OperationType = "audio-transcription"
	OperationVideoAnalysis      OperationType = "video-analysis"
)

func (o OperationType) Valid() bool {
	switch o {
	case OperationFaceDetection, OperationAudioTranscription, OperationVideoAnalysis:
		return true
	}
	return false
}

// Priority is a dequeue weight. JSON accepts "low", "medium", "high" or an integer.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return strconv.Itoa(int(p))
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be low, medium, high or an integer")
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(p))
}

// ParsePriority accepts the named levels or a decimal integer weight.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}

// OptionsVersion is the current layout of BatchOptions.
const OptionsVersion = 1

// BatchOptions is the closed per-job configuration. Exactly one of the
// per-operation blocks applies, selected by the job's OperationType.
type BatchOptions struct {
	Version           int    `json:"version"`
	BatchSize         int    `json:"batch_size,omitempty"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
	GPUType           string `json:"gpu_type,omitempty"`
	AutoScale         bool   `json:"auto_scale,omitempty"`
	// RequireResources makes allocation failure fatal instead of falling back
	// to running without dedicated instances.
	RequireResources bool `json:"require_resources,omitempty"`

	FaceDetection      *FaceDetectionOptions      `json:"face_detection,omitempty"`
	AudioTranscription *AudioTranscriptionOptions `json:"audio_transcription,omitempty"`
	VideoAnalysis      *VideoAnalysisOptions      `json:"video_analysis,omitempty"`
}

type FaceDetectionOptions struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxFaces            int     `json:"max_faces,omitempty"`
	DetectLandmarks     bool    `json:"detect_landmarks,omitempty"`
}

type AudioTranscriptionOptions struct {
	Language          string `json:"language,omitempty"`
	EnableDiarization bool   `json:"enable_diarization,omitempty"`
	EnableTimestamps  bool   `json:"enable_timestamps,omitempty"`
}

type VideoAnalysisOptions struct {
	EnableFaceDetection      bool    `json:"enable_face_detection"`
	EnableAudioTranscription bool    `json:"enable_audio_transcription"`
	EnableSceneDetection     bool    `json:"enable_scene_detection"`
	FrameIntervalSeconds     float64 `json:"frame_interval_seconds,omitempty"`
	ConfidenceThreshold      float64 `json:"confidence_threshold,omitempty"`
	Language                 string  `json:"language,omitempty"`
}

// BatchJobConfig is the immutable submission. It is never mutated after enqueue.
type BatchJobConfig struct {
	ID        uuid.UUID     `json:"id"`
	UserID    string        `json:"user_id"`
	Operation OperationType `json:"operation"`
	Files     []string      `json:"files"`
	Options   BatchOptions  `json:"options"`
	Priority  Priority      `json:"priority"`
}

// Job is the persisted record of a batch. Only the scheduler transitions Status.
type Job struct {
	ID                uuid.UUID      `db:"id"                 json:"id"`
	UserID            string         `db:"user_id"            json:"user_id"`
	Operation         OperationType  `db:"operation"          json:"operation"`
	Status            string         `db:"status"             json:"status"`
	Priority          Priority       `db:"priority"           json:"priority"`
	Config            BatchJobConfig `db:"config"             json:"config"`
	TotalFiles        int            `db:"total_files"        json:"total_files"`
	ProcessedFiles    int            `db:"processed_files"    json:"processed_files"`
	FailedFiles       int            `db:"failed_files"       json:"failed_files"`
	Progress          float64        `db:"progress"           json:"progress"`
	Attempts          int            `db:"attempts"           json:"attempts"`
	EstimatedDuration time.Duration  `db:"estimated_seconds"  json:"estimated_duration"`
	EstimatedCost     float64        `db:"estimated_cost"     json:"estimated_cost"`
	ErrorMessage      *string        `db:"error_message"      json:"error_message,omitempty"`
	RunAfter          time.Time      `db:"run_after"          json:"-"`
	StartedAt         *time.Time     `db:"started_at"         json:"started_at,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at"       json:"completed_at,omitempty"`
	CreatedAt         time.Time      `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"         json:"updated_at"`
}

const (
	FileStatusSuccess = "success"
	FileStatusFailed  = "failed"
)

// FileResult is the outcome of one file operation.
type FileResult struct {
	JobID          uuid.UUID       `db:"job_id"          json:"-"`
	Index          int             `db:"file_index"      json:"index"`
	FilePath       string          `db:"file_path"       json:"file_path"`
	Status         string          `db:"status"          json:"status"`
	Result         json.RawMessage `db:"result"          json:"result,omitempty"`
	Error          string          `db:"error"           json:"error,omitempty"`
	InstanceID     string          `db:"instance_id"     json:"instance_id,omitempty"`
	ProcessingTime time.Duration   `db:"processing_ms"   json:"processing_time"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}

// BatchJobResult is produced once, when a job completes.
type BatchJobResult struct {
	JobID          uuid.UUID     `json:"job_id"`
	TotalFiles     int           `json:"total_files"`
	ProcessedFiles int           `json:"processed_files"`
	FailedFiles    int           `json:"failed_files"`
	Results        []FileResult  `json:"results"`
	ProcessingTime time.Duration `json:"processing_time"`
	CostEstimate   float64       `json:"cost_estimate"`
}

// ProgressEvent is pushed to progress sinks after every sub-batch.
type ProgressEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	Status         string    `json:"status"`
	Progress       float64   `json:"progress"`
	ProcessedFiles int       `json:"processed_files"`
	FailedFiles    int       `json:"failed_files"`
	TotalFiles     int       `json:"total_files"`
	At             time.Time `json:"at"`
}

// BatchStats summarizes one user's jobs. QueueDepth counts pending jobs of all users.
type BatchStats struct {
	UserID         string         `json:"user_id"`
	ByStatus       map[string]int `json:"by_status"`
	TotalJobs      int            `json:"total_jobs"`
	TotalFiles     int            `json:"total_files"`
	ProcessedFiles int            `json:"processed_files"`
	FailedFiles    int            `json:"failed_files"`
	QueueDepth     int            `json:"queue_depth"`
}
