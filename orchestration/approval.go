package orchestration

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// ApprovalRule matches a family of action categories and sets the bar an
// action must clear to auto-approve.
type ApprovalRule struct {
	// ID names the rule in decisions and audit entries.
	ID string
	// CategoryPattern is an exact category or a glob (e.g. "revoke-*").
	CategoryPattern string
	// MinConfidence maps severity to the minimum analysis confidence.
	MinConfidence map[core.Severity]float64
	// MaxRisk is the highest per-action risk score that auto-approves.
	MaxRisk float64
}

// ApprovalInput is everything a decision depends on. Identical inputs
// always produce identical decisions.
type ApprovalInput struct {
	Actions    []core.Action
	Severity   core.Severity
	Confidence float64
	Now        time.Time
}

// ApprovalResult is the aggregate outcome plus the per-action decisions
// that drove it.
type ApprovalResult struct {
	// Approved is true only when every action auto-approved.
	Approved  bool
	Decisions []core.ApprovalDecision
}

// ApprovalEngine evaluates proposed action plans against the rule set.
// It is a pure decision function: no I/O, no mutable state after
// construction.
type ApprovalEngine struct {
	enabled            bool
	rules              []ApprovalRule
	denyCategories     []string
	protectedResources []string
	logger             core.Logger
}

// NewApprovalEngine builds the engine from config. Rules are evaluated
// in order; the first rule whose category pattern matches decides.
func NewApprovalEngine(cfg core.AutoApproveConfig, logger core.Logger) *ApprovalEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("approval")
	}

	confidenceHigh := cfg.ConfidenceHigh
	if confidenceHigh <= 0 {
		confidenceHigh = 0.85
	}
	confidenceLow := cfg.ConfidenceLow
	if confidenceLow <= 0 {
		confidenceLow = 0.70
	}
	maxRisk := cfg.MaxRisk
	if maxRisk <= 0 {
		maxRisk = 0.5
	}

	// The default rule set holds one catch-all; severity picks the
	// confidence bar.
	rules := []ApprovalRule{
		{
			ID:              "default",
			CategoryPattern: "*",
			MinConfidence: map[core.Severity]float64{
				core.SeverityLow:      confidenceLow,
				core.SeverityMedium:   confidenceLow,
				core.SeverityHigh:     confidenceHigh,
				core.SeverityCritical: confidenceHigh,
			},
			MaxRisk: maxRisk,
		},
	}

	return &ApprovalEngine{
		enabled:            cfg.Enabled,
		rules:              rules,
		denyCategories:     cfg.DenyCategories,
		protectedResources: cfg.ProtectedResources,
		logger:             logger,
	}
}

// Evaluate produces one decision per action and the aggregate. A single
// deny or defer anywhere in the plan forces the aggregate to defer; the
// plan auto-approves only when every action approves.
func (e *ApprovalEngine) Evaluate(input ApprovalInput) ApprovalResult {
	result := ApprovalResult{Approved: true}

	for _, action := range input.Actions {
		decision := e.evaluateAction(action, input)
		result.Decisions = append(result.Decisions, decision)
		if decision.Outcome != core.OutcomeApprove {
			result.Approved = false
		}
	}
	if len(input.Actions) == 0 {
		// An empty plan has nothing to approve.
		result.Approved = false
	}

	e.logger.Debug("Approval plan evaluated", map[string]interface{}{
		"operation": "approval_evaluate",
		"actions":   len(input.Actions),
		"approved":  result.Approved,
	})
	return result
}

func (e *ApprovalEngine) evaluateAction(action core.Action, input ApprovalInput) core.ApprovalDecision {
	decision := core.ApprovalDecision{
		IdempotencyKey: action.IdempotencyKey,
		Confidence:     input.Confidence,
		Risk:           action.Risk,
		Severity:       input.Severity,
		DecidedAt:      input.Now,
	}

	if !e.enabled {
		decision.Outcome = core.OutcomeDefer
		decision.RuleID = "auto_approve_disabled"
		decision.Reason = "auto-approval disabled"
		return decision
	}

	for _, pattern := range e.denyCategories {
		if matchGlob(pattern, action.Category) {
			decision.Outcome = core.OutcomeDeny
			decision.RuleID = "deny_list"
			decision.Reason = fmt.Sprintf("category %s is deny-listed by %s", action.Category, pattern)
			return decision
		}
	}

	for _, pattern := range e.protectedResources {
		for _, target := range action.Targets {
			if matchGlob(pattern, target) {
				decision.Outcome = core.OutcomeDefer
				decision.RuleID = "protected_resource"
				decision.Reason = fmt.Sprintf("target %s matches protected pattern %s", target, pattern)
				return decision
			}
		}
	}

	if action.RequiresApproval {
		decision.Outcome = core.OutcomeDefer
		decision.RuleID = "requires_approval"
		decision.Reason = "action flagged for human approval"
		return decision
	}

	for _, rule := range e.rules {
		if !matchGlob(rule.CategoryPattern, action.Category) {
			continue
		}
		decision.RuleID = rule.ID

		minConfidence, ok := rule.MinConfidence[input.Severity]
		if !ok {
			decision.Outcome = core.OutcomeDefer
			decision.Reason = fmt.Sprintf("no confidence bar for severity %s", input.Severity)
			return decision
		}
		if input.Confidence < minConfidence {
			decision.Outcome = core.OutcomeDefer
			decision.Reason = fmt.Sprintf("confidence %.2f below %.2f for %s",
				input.Confidence, minConfidence, input.Severity)
			return decision
		}
		if action.Risk > rule.MaxRisk {
			decision.Outcome = core.OutcomeDefer
			decision.Reason = fmt.Sprintf("risk %.2f above cap %.2f", action.Risk, rule.MaxRisk)
			return decision
		}
		decision.Outcome = core.OutcomeApprove
		return decision
	}

	// Unknown categories always go to a human.
	decision.Outcome = core.OutcomeDefer
	decision.RuleID = "unknown_category"
	decision.Reason = fmt.Sprintf("no rule matches category %s", action.Category)
	return decision
}

// matchGlob treats the pattern as a doublestar glob, falling back to an
// exact comparison when the pattern does not parse.
func matchGlob(pattern, value string) bool {
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		return pattern == value
	}
	return ok
}
