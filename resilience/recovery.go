package resilience

import (
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// RecoveryAction is what the workflow engine should do about an error.
type RecoveryAction string

const (
	// ActionRetry re-runs the failed step after Delay
	ActionRetry RecoveryAction = "retry"
	// ActionSkip records the failure and continues past the step
	ActionSkip RecoveryAction = "skip"
	// ActionEscalate converts the failure to a workflow timeout trigger
	ActionEscalate RecoveryAction = "escalate"
	// ActionFail terminates the workflow as failed
	ActionFail RecoveryAction = "fail"
	// ActionDefer reschedules the same trigger after Delay
	ActionDefer RecoveryAction = "defer"
)

// RecoveryDecision is the outcome of classifying one error occurrence.
type RecoveryDecision struct {
	Action RecoveryAction
	Delay  time.Duration
	// Reason is the code recorded in audit and on the incident when the
	// decision terminates the workflow.
	Reason string
}

// RecoveryPolicy maps (error kind, retry count, defer count) to a
// recovery action. It is a pure decision function; the workflow engine
// owns the counters.
type RecoveryPolicy struct {
	retry     *RetryConfig
	maxDefers int
	cooldown  time.Duration
}

// NewRecoveryPolicy builds the policy from recovery and circuit config.
// The circuit cooldown doubles as the defer delay so a deferred trigger
// lands after the breaker can admit a probe.
func NewRecoveryPolicy(cfg core.RecoveryConfig, circuitCooldown time.Duration) *RecoveryPolicy {
	retry := &RetryConfig{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.BaseBackoff,
		MaxDelay:    cfg.MaxBackoff,
		Factor:      2.0,
		JitterPct:   cfg.JitterPct,
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 10 * time.Second
	}
	maxDefers := cfg.MaxDefers
	if maxDefers <= 0 {
		maxDefers = 3
	}
	if circuitCooldown <= 0 {
		circuitCooldown = 30 * time.Second
	}
	return &RecoveryPolicy{
		retry:     retry,
		maxDefers: maxDefers,
		cooldown:  circuitCooldown,
	}
}

// MaxRetries exposes the attempt budget for callers that pre-check.
func (p *RecoveryPolicy) MaxRetries() int { return p.retry.MaxAttempts }

// Decide classifies err and returns the recovery action for the given
// attempt (1-based count of failures so far) and consecutive defer count.
func (p *RecoveryPolicy) Decide(err error, attempt, defers int) RecoveryDecision {
	switch core.Classify(err) {
	case core.KindTransient:
		if attempt >= p.retry.MaxAttempts {
			return RecoveryDecision{Action: ActionFail, Reason: "transient_exhausted"}
		}
		return RecoveryDecision{Action: ActionRetry, Delay: p.retry.Backoff(attempt), Reason: "transient"}

	case core.KindPrecondition:
		// Stale optimistic write: retry immediately with a fresh read.
		if attempt >= p.retry.MaxAttempts {
			return RecoveryDecision{Action: ActionFail, Reason: "precondition_exhausted"}
		}
		return RecoveryDecision{Action: ActionRetry, Reason: "stale_write"}

	case core.KindValidation:
		return RecoveryDecision{Action: ActionSkip, Reason: "validation"}

	case core.KindTimeout:
		return RecoveryDecision{Action: ActionEscalate, Reason: "timeout"}

	case core.KindCircuitOpen:
		if defers >= p.maxDefers {
			return RecoveryDecision{Action: ActionEscalate, Reason: "circuit_defer_exhausted"}
		}
		return RecoveryDecision{Action: ActionDefer, Delay: p.cooldown, Reason: "circuit_open"}

	case core.KindUnrecoverable:
		return RecoveryDecision{Action: ActionFail, Reason: "unrecoverable"}
	}
	return RecoveryDecision{Action: ActionFail, Reason: "unclassified"}
}
