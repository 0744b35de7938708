package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// Test error classification for the recovery policy
func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{
			name:     "nil error has no kind",
			err:      nil,
			expected: "",
		},
		{
			name:     "unrecoverable sentinel",
			err:      ErrUnrecoverable,
			expected: KindUnrecoverable,
		},
		{
			name:     "wrapped unrecoverable",
			err:      fmt.Errorf("audit append: %w", ErrUnrecoverable),
			expected: KindUnrecoverable,
		},
		{
			name:     "circuit open",
			err:      ErrCircuitOpen,
			expected: KindCircuitOpen,
		},
		{
			name:     "timeout sentinel",
			err:      ErrTimeout,
			expected: KindTimeout,
		},
		{
			name:     "context deadline counts as timeout",
			err:      context.DeadlineExceeded,
			expected: KindTimeout,
		},
		{
			name:     "stale optimistic write",
			err:      fmt.Errorf("incident I1: %w", ErrPrecondition),
			expected: KindPrecondition,
		},
		{
			name:     "validation",
			err:      ErrValidation,
			expected: KindValidation,
		},
		{
			name:     "rate limit treated as transient",
			err:      ErrRateLimited,
			expected: KindTransient,
		},
		{
			name:     "unknown errors default to transient",
			err:      errors.New("connection reset by peer"),
			expected: KindTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyExplicitKindWins(t *testing.T) {
	// An explicit kind overrides whatever the wrapped sentinel would say.
	err := &OrchestratorError{
		Op:   "engine.publish",
		Kind: KindUnrecoverable,
		Err:  ErrTransient,
	}
	if got := Classify(err); got != KindUnrecoverable {
		t.Errorf("Classify = %s, want %s", got, KindUnrecoverable)
	}

	// Without a kind, classification falls through to the wrapped error.
	err = &OrchestratorError{Op: "engine.publish", Err: ErrCircuitOpen}
	if got := Classify(err); got != KindCircuitOpen {
		t.Errorf("Classify = %s, want %s", got, KindCircuitOpen)
	}
}

func TestOrchestratorErrorFormatting(t *testing.T) {
	err := NewError("store.Update", KindPrecondition, "INC-42", ErrPrecondition)

	msg := err.Error()
	if msg != "store.Update [INC-42]: stale write precondition failed" {
		t.Errorf("unexpected message: %q", msg)
	}

	// Without an incident the id is omitted.
	err = NewError("bus.Publish", KindTransient, "", ErrTransient)
	if err.Error() != "bus.Publish: transient failure" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestOrchestratorErrorUnwrap(t *testing.T) {
	wrapped := NewError("store.Update", KindPrecondition, "INC-42", ErrPrecondition)

	if !errors.Is(wrapped, ErrPrecondition) {
		t.Error("errors.Is must see through OrchestratorError")
	}

	var oe *OrchestratorError
	if !errors.As(wrapped, &oe) {
		t.Fatal("errors.As must find OrchestratorError")
	}
	if oe.IncidentID != "INC-42" {
		t.Errorf("expected incident INC-42, got %s", oe.IncidentID)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsTransient(errors.New("boom")) {
		t.Error("unknown errors are transient")
	}
	if !IsValidation(fmt.Errorf("bad payload: %w", ErrValidation)) {
		t.Error("IsValidation must see through wrapping")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("deadline exceeded is a timeout")
	}
	if !IsPrecondition(ErrPrecondition) {
		t.Error("IsPrecondition on the sentinel")
	}
	if !IsCircuitOpen(fmt.Errorf("dep analysis: %w", ErrCircuitOpen)) {
		t.Error("IsCircuitOpen must see through wrapping")
	}
	if !IsUnrecoverable(ErrUnrecoverable) {
		t.Error("IsUnrecoverable on the sentinel")
	}
	if !IsConfigurationError(ErrMissingConfiguration) {
		t.Error("missing configuration is a configuration error")
	}
	if IsTransient(ErrValidation) {
		t.Error("validation errors are not transient")
	}
}
