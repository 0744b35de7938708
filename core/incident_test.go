package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseSeverity(t *testing.T) {
	for _, valid := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		sev, err := ParseSeverity(valid)
		if err != nil {
			t.Errorf("ParseSeverity(%q) failed: %v", valid, err)
		}
		if string(sev) != valid {
			t.Errorf("ParseSeverity(%q) = %s", valid, sev)
		}
	}

	for _, invalid := range []string{"", "low", "SEVERE", "P1"} {
		if _, err := ParseSeverity(invalid); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseSeverity(%q) should reject with ErrValidation, got %v", invalid, err)
		}
	}
}

func TestWorkflowStateIsTerminal(t *testing.T) {
	terminal := []WorkflowState{StateIncidentClosed, StateWorkflowFailed, StateWorkflowTimeout}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []WorkflowState{StateInitialized, StateApprovalPending, StateIncidentResolved} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestIncidentCloneIsDeep(t *testing.T) {
	inc := &Incident{
		ID:        "INC-1",
		Resources: []string{"projects/p/instances/a"},
		ProposedActions: []Action{
			{Category: "block-ip", Targets: []string{"1.2.3.4"}, IdempotencyKey: "K1"},
		},
		ExecutedActions: []ActionExecution{{IdempotencyKey: "K1", OK: true}},
		Decisions:       []ApprovalDecision{{Outcome: OutcomeApprove, IdempotencyKey: "K1"}},
	}

	clone := inc.Clone()
	clone.Resources[0] = "changed"
	clone.ProposedActions[0].Targets[0] = "changed"
	clone.ExecutedActions[0].OK = false
	clone.Decisions[0].Outcome = OutcomeDeny

	if inc.Resources[0] != "projects/p/instances/a" {
		t.Error("Clone shares the resources slice")
	}
	if inc.ProposedActions[0].Targets[0] != "1.2.3.4" {
		t.Error("Clone shares action targets")
	}
	if !inc.ExecutedActions[0].OK {
		t.Error("Clone shares executed actions")
	}
	if inc.Decisions[0].Outcome != OutcomeApprove {
		t.Error("Clone shares decisions")
	}

	var nilIncident *Incident
	if nilIncident.Clone() != nil {
		t.Error("cloning nil returns nil")
	}
}

func TestIncidentExecuted(t *testing.T) {
	inc := &Incident{
		ExecutedActions: []ActionExecution{
			{IdempotencyKey: "K1", OK: true, ExecutedAt: time.Now()},
		},
	}
	if !inc.Executed("K1") {
		t.Error("K1 has executed")
	}
	if inc.Executed("K2") {
		t.Error("K2 has not executed")
	}
}

func TestIncidentCumulativeRisk(t *testing.T) {
	inc := &Incident{
		ProposedActions: []Action{{Risk: 0.2}, {Risk: 0.3}},
	}
	if got := inc.CumulativeRisk(); got != 0.5 {
		t.Errorf("CumulativeRisk = %v, want 0.5", got)
	}
}
