package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// JitterPct spreads each delay by ±pct to avoid synchronized retries
	JitterPct float64
}

// DefaultRetryConfig provides the documented defaults: 3 attempts,
// 1 s base, factor 2, ±20% jitter, capped at 10 s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		Factor:      2.0,
		JitterPct:   0.2,
	}
}

// Backoff returns the delay before the given attempt (1-based), with
// exponential growth, cap, and jitter applied.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.Factor)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if c.JitterPct > 0 {
		spread := 1 + c.JitterPct*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Retry executes fn with retry logic. Non-transient errors abort
// immediately: retrying rejected input or an open circuit cannot help.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !core.IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w",
		config.MaxAttempts, lastErr, core.ErrTransient)
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
// protection. The breaker check runs inside each attempt so an opening
// circuit aborts the remaining retries.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
