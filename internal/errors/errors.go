// Package errors provides the gateway's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrNotStreaming     = errors.New("price stream not running")
	ErrStreamFailed     = errors.New("price stream failed after max reconnect attempts")
	ErrNoCurrentPrice   = errors.New("no current price available")
	ErrShutdownTimeout  = errors.New("shutdown timed out")
	ErrAlreadyStreaming = errors.New("price stream already running")
)

// TransportError represents a network or HTTP failure talking to the
// broker. Transport never retries; the owning circuit breaker counts these.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(method, path string, status int, body string, err error) *TransportError {
	return &TransportError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       body,
		Err:        err,
	}
}

// ValidationError represents a request rejected before any broker call:
// bad price direction, bad units, or a regulatory FIFO violation.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NotFoundError represents an unknown order or position id.
type NotFoundError struct {
	Kind string // "order" or "position"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// CircuitOpenError is a fast fail while a dependency circuit is open. The
// call never reached the network.
type CircuitOpenError struct {
	Breaker    string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open: retry after %s", e.Breaker, e.RetryAfter.Round(time.Second))
}

// PartialFailure aggregates a bulk operation that completed with a mix of
// successes and failures. Bulk operations never abort on the first error.
type PartialFailure struct {
	Total     int
	Succeeded int
	Failed    map[string]error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure: %d/%d operations failed", len(e.Failed), e.Total)
}

// NewPartialFailure creates a PartialFailure from per-item errors.
func NewPartialFailure(total int, failed map[string]error) *PartialFailure {
	return &PartialFailure{
		Total:     total,
		Succeeded: total - len(failed),
		Failed:    failed,
	}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
