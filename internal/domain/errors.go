// Package domain defines core types, interfaces, and errors for the pipeline.
package domain

import "fmt"

// TransientError indicates a retriable failure (timeout, 5xx, connection
// reset). Retry loops treat it as a signal to back off and try again.
type TransientError struct {
	Message string
}

func (e *TransientError) Error() string { return e.Message }

// ExtractionError indicates that pagination failed terminally: both the
// primary and fallback endpoints exhausted their retries. LastOffset is the
// page offset that was being attempted, so callers can report how far the
// fetch got before giving up.
type ExtractionError struct {
	Message    string
	LastOffset int
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s (last offset %d)", e.Message, e.LastOffset)
}

// StagingError indicates a warehouse staging-load or merge failure. The
// whole upsert call fails as a unit; the caller retries the whole batch.
type StagingError struct {
	Message string
}

func (e *StagingError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ErrTransient creates a TransientError with a formatted message.
func ErrTransient(format string, args ...interface{}) *TransientError {
	return &TransientError{Message: fmt.Sprintf(format, args...)}
}

// ErrExtraction creates an ExtractionError with a formatted message.
func ErrExtraction(lastOffset int, format string, args ...interface{}) *ExtractionError {
	return &ExtractionError{Message: fmt.Sprintf(format, args...), LastOffset: lastOffset}
}

// ErrStaging creates a StagingError with a formatted message.
func ErrStaging(format string, args ...interface{}) *StagingError {
	return &StagingError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}
