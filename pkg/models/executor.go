package models

import (
	"context"
	"encoding/json"
)

// FileTask is one unit of work handed to the file executor.
type FileTask struct {
	FilePath  string               `json:"file_path"`
	Operation OperationType        `json:"operation"`
	Options   BatchOptions         `json:"options"`
	Instance  *StandardGpuInstance `json:"instance,omitempty"`
}

// FileExecutor runs the detection/transcription routines. It is opaque to the
// scheduler: only success/failure, payload and timing matter.
type FileExecutor interface {
	Execute(ctx context.Context, task FileTask) (json.RawMessage, error)
}
