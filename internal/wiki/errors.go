package wiki

import (
	"fmt"
	"net/http"
)

// ConfigurationError is returned before any network I/O when the client is
// missing required identification.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("wiki: missing required configuration %q", e.Field)
}

// SourceError describes a failed upstream request. Status is zero when no
// HTTP response was received.
type SourceError struct {
	Status   int
	Endpoint Endpoint
	Message  string
	Err      error
}

func (e *SourceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("wiki: %s request failed: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("wiki: %s request failed (status %d): %s", e.Endpoint, e.Status, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// transient reports whether a retry could succeed.
func (e *SourceError) transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}
