package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// State machine errors
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGuardFailed       = errors.New("transition guard failed")

	// Store errors
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("already exists")
	ErrPrecondition = errors.New("stale write precondition failed")

	// Admission errors
	ErrQueueFull = errors.New("backlog queue full")

	// Dependency errors
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrTimeout     = errors.New("operation timeout")
	ErrTransient   = errors.New("transient failure")
	ErrRateLimited = errors.New("rate limit exceeded")

	// Input errors
	ErrValidation = errors.New("validation failed")

	// Fatal errors
	ErrUnrecoverable = errors.New("unrecoverable failure")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// ErrorKind classifies an error for the recovery policy. Kinds, not type
// names: the same kind can be produced by many concrete errors.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindValidation    ErrorKind = "validation"
	KindTimeout       ErrorKind = "timeout"
	KindPrecondition  ErrorKind = "precondition"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindUnrecoverable ErrorKind = "unrecoverable"
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op         string // Operation that failed (e.g., "engine.Transit")
	Kind       ErrorKind
	IncidentID string // Optional incident the error belongs to
	Message    string // Human-readable message
	Err        error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.IncidentID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.IncidentID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewError creates a new OrchestratorError
func NewError(op string, kind ErrorKind, incidentID string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:         op,
		Kind:       kind,
		IncidentID: incidentID,
		Err:        err,
	}
}

// Classify maps an error to its recovery kind. Explicit kinds on an
// OrchestratorError win; otherwise sentinel comparison decides. Anything
// unknown is treated as transient so the recovery policy retries it before
// giving up, which matches how upstream 5xx responses surface.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var oe *OrchestratorError
	if errors.As(err, &oe) && oe.Kind != "" {
		return oe.Kind
	}
	switch {
	case errors.Is(err, ErrUnrecoverable):
		return KindUnrecoverable
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindTransient
	}
}

// IsTransient checks if an error should be retried with backoff
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsValidation checks if an error represents rejected input
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTimeout checks if an error represents a deadline expiry
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsPrecondition checks if an error is a stale optimistic write
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// IsCircuitOpen checks if a dependency breaker blocked the call
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsUnrecoverable checks if an error is fatal for the workflow
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
