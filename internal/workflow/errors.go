package workflow

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout is returned when WaitForEvent gives up.
var ErrWaitTimeout = errors.New("workflow: timed out waiting for event")

// UpstreamError marks a failure of an external dependency. Steps failing with
// an UpstreamError are retried; any other error fails the step immediately.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err as a retryable upstream failure.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Service: service, Err: err}
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}
