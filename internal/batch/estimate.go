package batch

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

// secondsPerFile is the expected processing time of one file by operation.
var secondsPerFile = map[models.OperationType]float64{
	models.OperationFaceDetection:      2,
	models.OperationAudioTranscription: 10,
	models.OperationVideoAnalysis:      30,
}

// Estimate returns the expected wall time of a batch and its cost at hourlyRate.
func Estimate(op models.OperationType, files, concurrency int, hourlyRate float64) (time.Duration, float64) {
	if concurrency < 1 {
		concurrency = 1
	}
	seconds := secondsPerFile[op] * float64(files) / float64(concurrency)
	duration := time.Duration(seconds * float64(time.Second))

	cost := decimal.NewFromFloat(seconds).
		Div(decimal.NewFromInt(3600)).
		Mul(decimal.NewFromFloat(hourlyRate)).
		Round(4)
	f, _ := cost.Float64()
	return duration, f
}
