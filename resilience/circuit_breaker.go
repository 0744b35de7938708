// Package resilience protects calls to external collaborators: circuit
// breakers per named dependency, retry with exponential backoff, token
// bucket rate limiting, and the recovery policy that maps error kinds to
// recovery actions.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the cooldown elapses
	StateOpen
	// StateHalfOpen admits a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for one breaker.
type CircuitBreakerConfig struct {
	// Name identifies the protected dependency
	Name string

	// FailureThreshold is the number of failures within Window that opens
	// the circuit
	FailureThreshold int

	// Window is the rolling window failures are counted in
	Window time.Duration

	// Cooldown is how long the circuit stays open before admitting a
	// probe. Each failed probe doubles the cooldown up to MaxCooldown.
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown
	MaxCooldown time.Duration

	// Clock drives cooldown expiry; defaults to the real clock
	Clock core.Clock

	// Logger for state change events
	Logger core.Logger

	// Metrics sink for breaker observations
	Metrics core.Metrics
}

// DefaultCircuitBreakerConfig returns production defaults: 5 failures in
// 60 s opens, 30 s cooldown doubling up to 8 m.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      8 * time.Minute,
	}
}

// CircuitBreaker protects one named dependency. Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  core.Clock
	logger core.Logger

	mu        sync.Mutex
	state     CircuitState
	failures  []time.Time // failure timestamps inside the rolling window
	openUntil time.Time
	cooldown  time.Duration
	probing   bool
}

// NewCircuitBreaker creates a breaker from config, applying defaults for
// unset values.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required: %w", core.ErrInvalidConfiguration)
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = 8 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = core.RealClock{}
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &core.NoOpMetrics{}
	}

	return &CircuitBreaker{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		state:    StateClosed,
		cooldown: config.Cooldown,
	}, nil
}

// Execute runs fn under circuit breaker protection. When the circuit is
// open it returns core.ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		cb.config.Metrics.Counter(ctx, "orchestrator.circuit.rejected", 1,
			map[string]string{"dependency": cb.config.Name})
		return fmt.Errorf("circuit breaker %q: %w", cb.config.Name, core.ErrCircuitOpen)
	}

	err := fn()
	if err != nil && countsAsFailure(err) {
		cb.RecordFailure()
		cb.config.Metrics.Counter(ctx, "orchestrator.circuit.failure", 1,
			map[string]string{"dependency": cb.config.Name})
		return err
	}

	cb.RecordSuccess()
	cb.config.Metrics.Counter(ctx, "orchestrator.circuit.success", 1,
		map[string]string{"dependency": cb.config.Name})
	return err
}

// countsAsFailure excludes caller-side errors from breaker accounting:
// rejected input and context cancellation say nothing about dependency
// health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Allow reports whether a call may proceed, moving OPEN to HALF_OPEN when
// the cooldown has elapsed. In HALF_OPEN only one probe is admitted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(cb.openUntil) {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit after a successful probe and resets
// the failure window and cooldown.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
		cb.cooldown = cb.config.Cooldown
	}
	cb.probing = false
	cb.failures = cb.failures[:0]
}

// RecordFailure counts a failure. A failed probe reopens with a doubled
// cooldown; in CLOSED, crossing the threshold within the window opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()

	if cb.state == StateHalfOpen {
		cb.probing = false
		cb.cooldown *= 2
		if cb.cooldown > cb.config.MaxCooldown {
			cb.cooldown = cb.config.MaxCooldown
		}
		cb.open(now)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)
	if cb.state == StateClosed && len(cb.failures) >= cb.config.FailureThreshold {
		cb.open(now)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Surface OPEN→HALF_OPEN eligibility without mutating.
	if cb.state == StateOpen && !cb.clock.Now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the protected dependency name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

func (cb *CircuitBreaker) open(now time.Time) {
	cb.openUntil = now.Add(cb.cooldown)
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation":  "circuit_state_change",
		"dependency": cb.config.Name,
		"from":       from.String(),
		"to":         to.String(),
		"cooldown":   cb.cooldown.String(),
	})
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}
