package orchestration

import (
	"reflect"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func approvalConfig() core.AutoApproveConfig {
	return core.AutoApproveConfig{
		Enabled:        true,
		ConfidenceHigh: 0.85,
		ConfidenceLow:  0.70,
		MaxRisk:        0.5,
	}
}

func evalInput(severity core.Severity, confidence float64, actions ...core.Action) ApprovalInput {
	return ApprovalInput{
		Actions:    actions,
		Severity:   severity,
		Confidence: confidence,
		Now:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestApprovalAutoApproves(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)

	result := e.Evaluate(evalInput(core.SeverityMedium, 0.90,
		core.Action{Category: "block-ip", Risk: 0.2, IdempotencyKey: "K1"}))
	if !result.Approved {
		t.Fatalf("expected auto-approval, decisions: %+v", result.Decisions)
	}
	if result.Decisions[0].Outcome != core.OutcomeApprove {
		t.Errorf("expected approve, got %s", result.Decisions[0].Outcome)
	}
	if result.Decisions[0].RuleID == "" {
		t.Error("decision must record the matching rule")
	}
}

func TestApprovalSeverityRaisesTheBar(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)
	action := core.Action{Category: "block-ip", Risk: 0.2, IdempotencyKey: "K1"}

	// 0.80 passes the LOW/MEDIUM bar but not the HIGH/CRITICAL bar.
	if result := e.Evaluate(evalInput(core.SeverityMedium, 0.80, action)); !result.Approved {
		t.Error("MEDIUM at 0.80 should auto-approve")
	}
	result := e.Evaluate(evalInput(core.SeverityCritical, 0.80, action))
	if result.Approved {
		t.Error("CRITICAL at 0.80 must defer")
	}
	if result.Decisions[0].Outcome != core.OutcomeDefer {
		t.Errorf("expected defer, got %s", result.Decisions[0].Outcome)
	}
}

func TestApprovalRiskCap(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)
	result := e.Evaluate(evalInput(core.SeverityLow, 0.95,
		core.Action{Category: "isolate-host", Risk: 0.8, IdempotencyKey: "K1"}))
	if result.Approved {
		t.Error("risk above cap must defer")
	}
}

func TestApprovalDenyList(t *testing.T) {
	cfg := approvalConfig()
	cfg.DenyCategories = []string{"revoke-*"}
	e := NewApprovalEngine(cfg, nil)

	result := e.Evaluate(evalInput(core.SeverityLow, 0.99,
		core.Action{Category: "block-ip", Risk: 0.1, IdempotencyKey: "K1"},
		core.Action{Category: "revoke-credentials", Risk: 0.1, IdempotencyKey: "K2"}))
	if result.Approved {
		t.Error("a deny anywhere in the plan must block the aggregate")
	}
	if result.Decisions[1].Outcome != core.OutcomeDeny {
		t.Errorf("expected deny for the listed category, got %s", result.Decisions[1].Outcome)
	}
	if result.Decisions[0].Outcome != core.OutcomeApprove {
		t.Errorf("unlisted action should still approve individually, got %s", result.Decisions[0].Outcome)
	}
}

func TestApprovalProtectedResources(t *testing.T) {
	cfg := approvalConfig()
	cfg.ProtectedResources = []string{"projects/prod/**"}
	e := NewApprovalEngine(cfg, nil)

	result := e.Evaluate(evalInput(core.SeverityLow, 0.99, core.Action{
		Category:       "isolate-host",
		Targets:        []string{"projects/prod/instances/db-1"},
		Risk:           0.1,
		IdempotencyKey: "K1",
	}))
	if result.Approved {
		t.Error("protected resources always defer to a human")
	}
	if result.Decisions[0].RuleID != "protected_resource" {
		t.Errorf("expected protected_resource rule, got %s", result.Decisions[0].RuleID)
	}
}

func TestApprovalRequiresApprovalFlag(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)
	result := e.Evaluate(evalInput(core.SeverityLow, 0.99,
		core.Action{Category: "block-ip", Risk: 0.1, RequiresApproval: true, IdempotencyKey: "K1"}))
	if result.Approved {
		t.Error("flagged actions must defer regardless of scores")
	}
}

func TestApprovalDisabledDefersEverything(t *testing.T) {
	cfg := approvalConfig()
	cfg.Enabled = false
	e := NewApprovalEngine(cfg, nil)
	result := e.Evaluate(evalInput(core.SeverityLow, 0.99,
		core.Action{Category: "block-ip", Risk: 0.1, IdempotencyKey: "K1"}))
	if result.Approved {
		t.Error("disabled engine must never auto-approve")
	}
}

func TestApprovalEmptyPlanNotApproved(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)
	if result := e.Evaluate(evalInput(core.SeverityLow, 0.99)); result.Approved {
		t.Error("an empty plan has nothing to approve")
	}
}

func TestApprovalIsDeterministic(t *testing.T) {
	e := NewApprovalEngine(approvalConfig(), nil)
	input := evalInput(core.SeverityHigh, 0.87,
		core.Action{Category: "block-ip", Risk: 0.3, IdempotencyKey: "K1"},
		core.Action{Category: "isolate-host", Risk: 0.6, IdempotencyKey: "K2"})

	first := e.Evaluate(input)
	second := e.Evaluate(input)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("identical inputs must give identical decisions:\n%+v\n%+v", first, second)
	}
}
