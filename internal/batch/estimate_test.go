package batch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kiranshivaraju/gpubatch/internal/batch"
	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name         string
		op           models.OperationType
		files, conc  int
		rate         float64
		wantDuration time.Duration
		wantCost     float64
	}{
		{"face detection", models.OperationFaceDetection, 25, 5, 0.5, 10 * time.Second, 0.0014},
		{"video analysis", models.OperationVideoAnalysis, 3, 3, 0.5, 30 * time.Second, 0.0042},
		{"audio without concurrency", models.OperationAudioTranscription, 6, 0, 1.2, time.Minute, 0.02},
		{"free rate", models.OperationVideoAnalysis, 120, 1, 0, time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, c := batch.Estimate(tt.op, tt.files, tt.conc, tt.rate)
			assert.Equal(t, tt.wantDuration, d)
			assert.Equal(t, tt.wantCost, c)
		})
	}
}
