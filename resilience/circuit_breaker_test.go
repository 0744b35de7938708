package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "analysis",
		FailureThreshold: 3,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      2 * time.Minute,
		Clock:            clock,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	return cb, clock
}

func TestBreakerRequiresName(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	if !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()
	boom := errors.New("upstream unavailable")

	for n := 0; n < 3; n++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected upstream error, got %v", n, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}
	err := cb.Execute(ctx, func() error {
		t.Error("open circuit must not invoke fn")
		return nil
	})
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerWindowPrunesOldFailures(t *testing.T) {
	cb, clock := newTestBreaker(t)

	cb.RecordFailure()
	cb.RecordFailure()
	// The first two fall outside the window before the next pair lands.
	clock.Advance(61 * time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("spread-out failures must not open, state=%s", cb.State())
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(t)
	ctx := context.Background()

	for n := 0; n < 3; n++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("open circuit must reject before cooldown")
	}

	clock.Advance(31 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}

	// Exactly one probe is admitted.
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("successful probe must close, got %s", cb.State())
	}
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Errorf("closed circuit must admit calls: %v", err)
	}
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	cb, clock := newTestBreaker(t)
	boom := errors.New("still down")

	for n := 0; n < 3; n++ {
		cb.RecordFailure()
	}

	// First probe after 30s fails: cooldown doubles to 60s.
	clock.Advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("probe must be admitted")
	}
	_ = boom
	cb.RecordFailure()

	clock.Advance(31 * time.Second)
	if cb.Allow() {
		t.Error("doubled cooldown must still reject at +31s")
	}
	clock.Advance(30 * time.Second)
	if !cb.Allow() {
		t.Error("probe must be admitted after the doubled cooldown")
	}

	// Cooldown doubling caps at MaxCooldown.
	cb.RecordFailure()
	clock.Advance(2*time.Minute + time.Second)
	if !cb.Allow() {
		t.Error("cooldown must cap at MaxCooldown")
	}
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	cb, clock := newTestBreaker(t)

	for n := 0; n < 3; n++ {
		cb.RecordFailure()
	}
	clock.Advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("first probe must be admitted")
	}
	if cb.Allow() {
		t.Error("second concurrent probe must be rejected")
	}
}

func TestBreakerIgnoresCallerSideErrors(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		_ = cb.Execute(ctx, func() error {
			return fmt.Errorf("bad request: %w", core.ErrValidation)
		})
	}
	if cb.State() != StateClosed {
		t.Errorf("validation errors must not trip the breaker, state=%s", cb.State())
	}

	for n := 0; n < 5; n++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Errorf("cancellation must not trip the breaker, state=%s", cb.State())
	}

	for n := 0; n < 5; n++ {
		_ = cb.Execute(ctx, func() error {
			return fmt.Errorf("collaborator call: %w", context.Canceled)
		})
	}
	if cb.State() != StateClosed {
		t.Errorf("wrapped cancellation must not trip the breaker, state=%s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureWindow(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx := context.Background()
	boom := errors.New("flaky")

	_ = cb.Execute(ctx, func() error { return boom })
	_ = cb.Execute(ctx, func() error { return boom })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return boom })
	_ = cb.Execute(ctx, func() error { return boom })

	if cb.State() != StateClosed {
		t.Errorf("interleaved successes must keep the circuit closed, state=%s", cb.State())
	}
}
