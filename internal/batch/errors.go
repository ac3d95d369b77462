package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError with errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized is returned when a user acts on a job they do not own.
	ErrUnauthorized = errors.New("job belongs to another user")
	// ErrCancelled is the outcome of a JobHandle whose job was cancelled.
	ErrCancelled = errors.New("batch job cancelled")
	// ErrResourcesUnavailable fails a job that requires dedicated instances
	// when none could be allocated.
	ErrResourcesUnavailable = errors.New("no gpu resources could be allocated")
)

// ValidationError rejects a submission or a request that the job's state forbids.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
