package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a job that was stopped by an explicit cancel request.
var ErrCancelled = errors.New("job cancelled")

// ValidationError rejects bad input before a job record exists. It is never
// retried and maps to a 400 at the API layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// UpstreamServiceError wraps a failure of an external dependency (scraper,
// embedding backend, LLM). Call sites retry with bounded backoff; exhaustion
// degrades the affected chunk or job rather than crashing the pipeline.
type UpstreamServiceError struct {
	Service string
	Err     error
}

func (e *UpstreamServiceError) Error() string {
	return fmt.Sprintf("upstream service %s: %v", e.Service, e.Err)
}

func (e *UpstreamServiceError) Unwrap() error { return e.Err }

func NewUpstreamError(service string, err error) *UpstreamServiceError {
	return &UpstreamServiceError{Service: service, Err: err}
}

// FatalError aborts the job immediately: without durable storage no recorded
// progress can be trusted, so there is no partial credit.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func NewFatalError(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsValidation reports whether err carries a ValidationError in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
