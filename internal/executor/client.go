// Package executor calls the inference service that runs the face detection,
// transcription and video analysis models.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/gpubatch/internal/config"
	"github.com/kiranshivaraju/gpubatch/internal/provider/remote"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// ErrInference is returned when the service processed the file and reported a failure.
var ErrInference = errors.New("inference failed")

// inferencePort is the container port the inference image listens on.
const inferencePort = 8000

type analyzeRequest struct {
	FilePath   string `json:"file_path"`
	Options    any    `json:"options,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

type analyzeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Client implements models.FileExecutor over HTTP.
type Client struct {
	remote *remote.Client
}

func NewClient(cfg config.ExecutorConfig) *Client {
	return &Client{remote: remote.NewClient(remote.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	})}
}

// Execute posts one file to /v1/analyze/{operation}. When the task carries an
// instance, the service is told to run it there.
func (c *Client) Execute(ctx context.Context, task models.FileTask) (json.RawMessage, error) {
	if !task.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInference, task.Operation)
	}
	req := analyzeRequest{
		FilePath: task.FilePath,
		Options:  operationOptions(task),
	}
	if inst := task.Instance; inst != nil {
		req.InstanceID = inst.ID
		req.Provider = inst.Provider
		req.Endpoint = endpoint(inst)
	}

	var resp analyzeResponse
	if err := c.remote.Do(ctx, http.MethodPost, "/v1/analyze/"+string(task.Operation), nil, req, &resp); err != nil {
		return nil, fmt.Errorf("analyzing %s: %w", task.FilePath, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrInference, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, fmt.Errorf("%w: empty result", ErrInference)
	}
	return resp.Result, nil
}

func operationOptions(task models.FileTask) any {
	o := task.Options
	switch {
	case task.Operation == models.OperationFaceDetection && o.FaceDetection != nil:
		return o.FaceDetection
	case task.Operation == models.OperationAudioTranscription && o.AudioTranscription != nil:
		return o.AudioTranscription
	case task.Operation == models.OperationVideoAnalysis && o.VideoAnalysis != nil:
		return o.VideoAnalysis
	}
	return nil
}

// endpoint is the public address of the inference port, if the instance exposes one.
func endpoint(inst *models.StandardGpuInstance) string {
	if inst.PublicIP == "" {
		return ""
	}
	port := strconv.Itoa(inferencePort)
	for _, key := range []string{port + "/tcp", port + "/http"} {
		if public, ok := inst.Ports[key]; ok {
			return "http://" + inst.PublicIP + ":" + strconv.Itoa(public)
		}
	}
	return ""
}

var _ models.FileExecutor = (*Client)(nil)
