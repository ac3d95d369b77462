package batch

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/afero"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const (
	maxBatchSize     = 1000
	maxConcurrency   = 64
	maxFilesPerBatch = 10000
)

// Validate checks a submission against fsys. Every referenced file must exist
// and be a regular file, so a missing file is rejected up front instead of
// failing mid-batch.
func Validate(fsys afero.Fs, cfg models.BatchJobConfig) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return invalid("user_id", "is required")
	}
	if !cfg.Operation.Valid() {
		return invalid("operation", "must be one of face-detection, audio-transcription, video-analysis; got %q", cfg.Operation)
	}
	if len(cfg.Files) == 0 {
		return invalid("files", "at least one file is required")
	}
	if len(cfg.Files) > maxFilesPerBatch {
		return invalid("files", "at most %d files per batch, got %d", maxFilesPerBatch, len(cfg.Files))
	}
	if err := validateOptions(cfg.Operation, cfg.Options); err != nil {
		return err
	}

	for i, path := range cfg.Files {
		if strings.TrimSpace(path) == "" {
			return invalid("files", "entry %d is empty", i)
		}
		info, err := fsys.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return invalid("files", "%s does not exist", path)
		}
		if err != nil {
			return invalid("files", "%s is not accessible: %v", path, err)
		}
		if info.IsDir() {
			return invalid("files", "%s is a directory", path)
		}
	}
	return nil
}

func validateOptions(op models.OperationType, o models.BatchOptions) error {
	if o.Version != 0 && o.Version != models.OptionsVersion {
		return invalid("options.version", "unsupported version %d", o.Version)
	}
	if o.BatchSize < 0 || o.BatchSize > maxBatchSize {
		return invalid("options.batch_size", "must be between 1 and %d", maxBatchSize)
	}
	if o.MaxConcurrentJobs < 0 || o.MaxConcurrentJobs > maxConcurrency {
		return invalid("options.max_concurrent_jobs", "must be between 1 and %d", maxConcurrency)
	}
	if o.RequireResources && !o.AutoScale {
		return invalid("options.require_resources", "requires auto_scale")
	}

	if o.FaceDetection != nil && op != models.OperationFaceDetection {
		return invalid("options.face_detection", "not allowed for %s", op)
	}
	if o.AudioTranscription != nil && op != models.OperationAudioTranscription {
		return invalid("options.audio_transcription", "not allowed for %s", op)
	}
	if o.VideoAnalysis != nil && op != models.OperationVideoAnalysis {
		return invalid("options.video_analysis", "not allowed for %s", op)
	}

	if f := o.FaceDetection; f != nil {
		if f.ConfidenceThreshold < 0 || f.ConfidenceThreshold > 1 {
			return invalid("options.face_detection.confidence_threshold", "must be between 0 and 1")
		}
		if f.MaxFaces < 0 {
			return invalid("options.face_detection.max_faces", "must not be negative")
		}
	}
	if v := o.VideoAnalysis; v != nil {
		if v.ConfidenceThreshold < 0 || v.ConfidenceThreshold > 1 {
			return invalid("options.video_analysis.confidence_threshold", "must be between 0 and 1")
		}
		if v.FrameIntervalSeconds < 0 {
			return invalid("options.video_analysis.frame_interval_seconds", "must not be negative")
		}
		if !v.EnableFaceDetection && !v.EnableAudioTranscription && !v.EnableSceneDetection {
			return invalid("options.video_analysis", "at least one analysis must be enabled")
		}
	}
	return nil
}

// normalize fills defaults so the persisted config is complete.
func normalize(cfg models.BatchJobConfig, batchSize, maxConcurrent int) models.BatchJobConfig {
	if cfg.Options.Version == 0 {
		cfg.Options.Version = models.OptionsVersion
	}
	if cfg.Options.BatchSize == 0 {
		cfg.Options.BatchSize = batchSize
	}
	if cfg.Options.MaxConcurrentJobs == 0 {
		cfg.Options.MaxConcurrentJobs = maxConcurrent
	}
	if cfg.Priority == 0 {
		cfg.Priority = models.PriorityMedium
	}
	switch cfg.Operation {
	case models.OperationFaceDetection:
		if cfg.Options.FaceDetection == nil {
			cfg.Options.FaceDetection = &models.FaceDetectionOptions{ConfidenceThreshold: 0.5}
		}
	case models.OperationAudioTranscription:
		if cfg.Options.AudioTranscription == nil {
			cfg.Options.AudioTranscription = &models.AudioTranscriptionOptions{EnableTimestamps: true}
		}
	case models.OperationVideoAnalysis:
		if cfg.Options.VideoAnalysis == nil {
			cfg.Options.VideoAnalysis = &models.VideoAnalysisOptions{
				EnableFaceDetection:      true,
				EnableAudioTranscription: true,
				EnableSceneDetection:     true,
				FrameIntervalSeconds:     1,
				ConfidenceThreshold:      0.5,
			}
		}
	}
	cfg.Files = append([]string(nil), cfg.Files...)
	return cfg
}
