package provider

import (
	"errors"
	"fmt"
)

// ErrProviderNotConfigured is returned when a request names a provider that
// was not enabled. It is a configuration error, not a ProviderError.
var ErrProviderNotConfigured = errors.New("provider not configured")

// ProviderError is a failed remote call, tagged with the provider and operation.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
