package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobProgressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:progress:%s", jobID)
}

// ProgressChannel is the pub/sub channel carrying a job's progress events.
func ProgressChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("batch:progress:%s", jobID)
}

func RateLimitKey(userID string) string {
	return fmt.Sprintf("ratelimit:%s", userID)
}
