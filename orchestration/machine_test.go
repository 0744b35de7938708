package orchestration

import (
	"errors"
	"testing"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func TestTransitHappyPath(t *testing.T) {
	m := NewStateMachine()
	ctx := GuardContext{Confidence: 0.9, ConfidenceThreshold: 0.7}

	steps := []struct {
		from    core.WorkflowState
		trigger Trigger
		want    core.WorkflowState
	}{
		{core.StateInitialized, TriggerNewIncident, core.StateDetectionReceived},
		{core.StateDetectionReceived, TriggerRequestAnalysis, core.StateAnalysisRequested},
		{core.StateAnalysisRequested, TriggerAnalysisDispatched, core.StateAnalysisInProgress},
		{core.StateAnalysisInProgress, TriggerAnalysisDone, core.StateAnalysisComplete},
		{core.StateAnalysisComplete, TriggerRequestRemediation, core.StateRemediationRequested},
		{core.StateRemediationRequested, TriggerRemediationProposed, core.StateRemediationProposed},
		{core.StateRemediationProposed, TriggerApprovalGranted, core.StateRemediationApproved},
		{core.StateRemediationApproved, TriggerExecute, core.StateRemediationInProgress},
		{core.StateRemediationInProgress, TriggerExecuteOK, core.StateRemediationComplete},
		{core.StateRemediationComplete, TriggerResolve, core.StateIncidentResolved},
		{core.StateIncidentResolved, TriggerNotifyAck, core.StateIncidentClosed},
	}
	for _, step := range steps {
		result, err := m.Transit(step.from, step.trigger, ctx)
		if err != nil {
			t.Fatalf("Transit(%s, %s) failed: %v", step.from, step.trigger, err)
		}
		if result.Next != step.want {
			t.Errorf("Transit(%s, %s) = %s, want %s", step.from, step.trigger, result.Next, step.want)
		}
	}
}

func TestTransitUndefinedTrigger(t *testing.T) {
	m := NewStateMachine()
	_, err := m.Transit(core.StateInitialized, TriggerExecuteOK, GuardContext{})
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitTerminalStatesAreFinal(t *testing.T) {
	m := NewStateMachine()
	triggers := []Trigger{
		TriggerNewIncident, TriggerAnalysisDone, TriggerApprovalGranted,
		TriggerExecuteOK, TriggerTick, TriggerEscalate, TriggerFail,
	}
	for _, terminal := range []core.WorkflowState{
		core.StateIncidentClosed, core.StateWorkflowFailed, core.StateWorkflowTimeout,
	} {
		for _, trigger := range triggers {
			if _, err := m.Transit(terminal, trigger, GuardContext{}); !errors.Is(err, core.ErrInvalidTransition) {
				t.Errorf("Transit(%s, %s) should reject, got %v", terminal, trigger, err)
			}
		}
	}
}

func TestTransitConfidenceGuard(t *testing.T) {
	m := NewStateMachine()

	// Below threshold rejects with GuardFailed.
	_, err := m.Transit(core.StateAnalysisInProgress, TriggerAnalysisDone,
		GuardContext{Confidence: 0.55, ConfidenceThreshold: 0.70})
	if !errors.Is(err, core.ErrGuardFailed) {
		t.Errorf("expected ErrGuardFailed, got %v", err)
	}

	// Exactly at threshold meets it.
	result, err := m.Transit(core.StateAnalysisInProgress, TriggerAnalysisDone,
		GuardContext{Confidence: 0.70, ConfidenceThreshold: 0.70})
	if err != nil {
		t.Fatalf("confidence equal to threshold must pass: %v", err)
	}
	if result.Next != core.StateAnalysisComplete {
		t.Errorf("expected ANALYSIS_COMPLETE, got %s", result.Next)
	}
}

func TestTransitTimeoutEdges(t *testing.T) {
	m := NewStateMachine()
	cases := []struct {
		from    core.WorkflowState
		trigger Trigger
		want    core.WorkflowState
	}{
		{core.StateAnalysisRequested, TriggerTick, core.StateWorkflowTimeout},
		{core.StateAnalysisInProgress, TriggerTick, core.StateWorkflowTimeout},
		{core.StateApprovalPending, TriggerApprovalTimeout, core.StateWorkflowTimeout},
		{core.StateRemediationInProgress, TriggerTick, core.StateWorkflowFailed},
		{core.StateIncidentResolved, TriggerTick, core.StateIncidentClosed},
	}
	for _, c := range cases {
		result, err := m.Transit(c.from, c.trigger, GuardContext{})
		if err != nil {
			t.Fatalf("Transit(%s, %s) failed: %v", c.from, c.trigger, err)
		}
		if result.Next != c.want {
			t.Errorf("Transit(%s, %s) = %s, want %s", c.from, c.trigger, result.Next, c.want)
		}
	}
}

func TestEveryNonTerminalStateCanEscalate(t *testing.T) {
	m := NewStateMachine()
	for _, state := range []core.WorkflowState{
		core.StateInitialized, core.StateDetectionReceived, core.StateAnalysisRequested,
		core.StateAnalysisInProgress, core.StateAnalysisComplete, core.StateRemediationRequested,
		core.StateRemediationProposed, core.StateApprovalPending, core.StateRemediationApproved,
		core.StateRemediationInProgress, core.StateRemediationComplete, core.StateIncidentResolved,
	} {
		result, err := m.Transit(state, TriggerEscalate, GuardContext{})
		if err != nil {
			t.Errorf("escalate from %s failed: %v", state, err)
			continue
		}
		if result.Next != core.StateWorkflowTimeout {
			t.Errorf("escalate from %s = %s, want WORKFLOW_TIMEOUT", state, result.Next)
		}
	}
}

func TestCanFire(t *testing.T) {
	m := NewStateMachine()
	if !m.CanFire(core.StateApprovalPending, TriggerApprovalGranted) {
		t.Error("approval_granted must be defined for APPROVAL_PENDING")
	}
	if m.CanFire(core.StateIncidentClosed, TriggerTick) {
		t.Error("terminal states define no triggers")
	}
	if m.CanFire(core.StateInitialized, TriggerNotifyAck) {
		t.Error("notify_ack undefined for INITIALIZED")
	}
}
