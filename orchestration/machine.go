// Package orchestration contains the incident workflow core: the state
// machine that authorizes transitions, the approval engine, admission
// control, the per-incident workflow engine, and the inbound dispatcher.
package orchestration

import (
	"fmt"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// Trigger is a named event that may cause a workflow transition. External
// triggers arrive as bus messages or timer fires; internal triggers chain
// consecutive states within one inbox turn.
type Trigger string

const (
	// External triggers
	TriggerNewIncident         Trigger = "new_incident"
	TriggerAnalysisDone        Trigger = "analysis_done"
	TriggerRemediationProposed Trigger = "remediation_proposed"
	TriggerApprovalGranted     Trigger = "approval_granted"
	TriggerApprovalDenied      Trigger = "approval_denied"
	TriggerApprovalTimeout     Trigger = "approval_timeout"
	TriggerExecuteOK           Trigger = "execute_ok"
	TriggerExecuteFailed       Trigger = "execute_failed"
	TriggerNotifyAck           Trigger = "notify_ack"
	TriggerTick                Trigger = "tick"
	TriggerEscalate            Trigger = "escalate"

	// Internal triggers fired by the engine to chain states
	TriggerFail               Trigger = "fail"
	TriggerRequestAnalysis    Trigger = "request_analysis"
	TriggerAnalysisDispatched Trigger = "analysis_dispatched"
	TriggerRequestRemediation Trigger = "request_remediation"
	TriggerApprovalRequired   Trigger = "approval_required"
	TriggerLowConfidence      Trigger = "low_confidence"
	TriggerExecute            Trigger = "execute"
	TriggerResolve            Trigger = "resolve"
)

// Effect tells the workflow engine what to do after a transition commits.
type Effect int

const (
	EffectNone Effect = iota
	// EffectRequestAnalysis chains into the analysis request.
	EffectRequestAnalysis
	// EffectPublishAnalyze publishes analyze_incident and arms the
	// analysis timeout.
	EffectPublishAnalyze
	// EffectAwait suspends until an external message arrives.
	EffectAwait
	// EffectRequestRemediation chains into the remediation request.
	EffectRequestRemediation
	// EffectAwaitProposal suspends awaiting the proposed action plan and
	// arms the remediation timeout.
	EffectAwaitProposal
	// EffectEvaluateApproval runs the approval engine over the plan.
	EffectEvaluateApproval
	// EffectNotifyApprovalRequired notifies humans and arms the approval
	// timeout.
	EffectNotifyApprovalRequired
	// EffectExecute chains into remediation execution.
	EffectExecute
	// EffectPublishExecute publishes execute_remediation behind the
	// durability barrier and arms the remediation timeout.
	EffectPublishExecute
	// EffectResolve chains into incident resolution.
	EffectResolve
	// EffectNotifyResolved notifies humans and arms the closure delay.
	EffectNotifyResolved
	// EffectNotifyLowConfidence notifies humans of a low-confidence
	// analysis on a failed workflow.
	EffectNotifyLowConfidence
	// EffectNotifyEscalation notifies humans that the incident needs
	// hands-on attention.
	EffectNotifyEscalation
	// EffectFinish retires the workflow.
	EffectFinish
)

// String names the effect for logs and audit payloads.
func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectRequestAnalysis:
		return "request_analysis"
	case EffectPublishAnalyze:
		return "publish_analyze"
	case EffectAwait:
		return "await"
	case EffectRequestRemediation:
		return "request_remediation"
	case EffectAwaitProposal:
		return "await_proposal"
	case EffectEvaluateApproval:
		return "evaluate_approval"
	case EffectNotifyApprovalRequired:
		return "notify_approval_required"
	case EffectExecute:
		return "execute"
	case EffectPublishExecute:
		return "publish_execute"
	case EffectResolve:
		return "resolve"
	case EffectNotifyResolved:
		return "notify_resolved"
	case EffectNotifyLowConfidence:
		return "notify_low_confidence"
	case EffectNotifyEscalation:
		return "notify_escalation"
	case EffectFinish:
		return "finish"
	}
	return "unknown"
}

// GuardContext carries the values guards consult. The machine itself
// holds no mutable state.
type GuardContext struct {
	Confidence          float64
	ConfidenceThreshold float64
}

// Transition is one row of the allowed-transition table.
type Transition struct {
	Next   core.WorkflowState
	Effect Effect
	Guard  func(GuardContext) error
}

// Result is the outcome of a successful Transit call.
type Result struct {
	Next   core.WorkflowState
	Effect Effect
}

// StateMachine validates and resolves transitions. The table is fixed at
// construction and is the sole authority on legality.
type StateMachine struct {
	table map[core.WorkflowState]map[Trigger]Transition
}

// NewStateMachine builds the incident workflow transition table.
func NewStateMachine() *StateMachine {
	confidenceMet := func(ctx GuardContext) error {
		if ctx.Confidence >= ctx.ConfidenceThreshold {
			return nil
		}
		return fmt.Errorf("confidence %.2f below threshold %.2f: %w",
			ctx.Confidence, ctx.ConfidenceThreshold, core.ErrGuardFailed)
	}

	table := map[core.WorkflowState]map[Trigger]Transition{
		core.StateInitialized: {
			TriggerNewIncident: {Next: core.StateDetectionReceived, Effect: EffectRequestAnalysis},
		},
		core.StateDetectionReceived: {
			TriggerRequestAnalysis: {Next: core.StateAnalysisRequested, Effect: EffectPublishAnalyze},
		},
		core.StateAnalysisRequested: {
			TriggerAnalysisDispatched: {Next: core.StateAnalysisInProgress, Effect: EffectAwait},
			TriggerTick:               {Next: core.StateWorkflowTimeout, Effect: EffectNotifyEscalation},
		},
		core.StateAnalysisInProgress: {
			TriggerAnalysisDone:  {Next: core.StateAnalysisComplete, Effect: EffectRequestRemediation, Guard: confidenceMet},
			TriggerLowConfidence: {Next: core.StateWorkflowFailed, Effect: EffectNotifyLowConfidence},
			TriggerTick:          {Next: core.StateWorkflowTimeout, Effect: EffectNotifyEscalation},
		},
		core.StateAnalysisComplete: {
			TriggerRequestRemediation: {Next: core.StateRemediationRequested, Effect: EffectAwaitProposal},
		},
		core.StateRemediationRequested: {
			TriggerRemediationProposed: {Next: core.StateRemediationProposed, Effect: EffectEvaluateApproval},
			TriggerTick:                {Next: core.StateWorkflowTimeout, Effect: EffectNotifyEscalation},
		},
		core.StateRemediationProposed: {
			TriggerApprovalGranted:  {Next: core.StateRemediationApproved, Effect: EffectExecute},
			TriggerApprovalRequired: {Next: core.StateApprovalPending, Effect: EffectNotifyApprovalRequired},
		},
		core.StateApprovalPending: {
			TriggerApprovalGranted: {Next: core.StateRemediationApproved, Effect: EffectExecute},
			TriggerApprovalDenied:  {Next: core.StateWorkflowFailed, Effect: EffectNotifyEscalation},
			TriggerApprovalTimeout: {Next: core.StateWorkflowTimeout, Effect: EffectNotifyEscalation},
			TriggerTick:            {Next: core.StateWorkflowTimeout, Effect: EffectNotifyEscalation},
		},
		core.StateRemediationApproved: {
			TriggerExecute: {Next: core.StateRemediationInProgress, Effect: EffectPublishExecute},
		},
		core.StateRemediationInProgress: {
			TriggerExecuteOK:     {Next: core.StateRemediationComplete, Effect: EffectResolve},
			TriggerExecuteFailed: {Next: core.StateWorkflowFailed, Effect: EffectNotifyEscalation},
			TriggerTick:          {Next: core.StateWorkflowFailed, Effect: EffectNotifyEscalation},
		},
		core.StateRemediationComplete: {
			TriggerResolve: {Next: core.StateIncidentResolved, Effect: EffectNotifyResolved},
		},
		core.StateIncidentResolved: {
			TriggerNotifyAck: {Next: core.StateIncidentClosed, Effect: EffectFinish},
			TriggerTick:      {Next: core.StateIncidentClosed, Effect: EffectFinish},
		},
	}

	// Every non-terminal state can escalate or fail: the hard workflow
	// timeout and the recovery policy both route through these triggers.
	for _, state := range []core.WorkflowState{
		core.StateInitialized,
		core.StateDetectionReceived,
		core.StateAnalysisRequested,
		core.StateAnalysisInProgress,
		core.StateAnalysisComplete,
		core.StateRemediationRequested,
		core.StateRemediationProposed,
		core.StateApprovalPending,
		core.StateRemediationApproved,
		core.StateRemediationInProgress,
		core.StateRemediationComplete,
		core.StateIncidentResolved,
	} {
		table[state][TriggerEscalate] = Transition{
			Next:   core.StateWorkflowTimeout,
			Effect: EffectNotifyEscalation,
		}
		table[state][TriggerFail] = Transition{
			Next:   core.StateWorkflowFailed,
			Effect: EffectNotifyEscalation,
		}
	}

	return &StateMachine{table: table}
}

// Transit resolves (current, trigger) against the table. It returns
// core.ErrInvalidTransition when the trigger is undefined for the state
// and core.ErrGuardFailed when a guard rejects; callers may branch on the
// latter.
func (m *StateMachine) Transit(current core.WorkflowState, trigger Trigger, ctx GuardContext) (Result, error) {
	row, ok := m.table[current]
	if !ok {
		return Result{}, fmt.Errorf("state %s is terminal: %w", current, core.ErrInvalidTransition)
	}
	tr, ok := row[trigger]
	if !ok {
		return Result{}, fmt.Errorf("trigger %s undefined for state %s: %w",
			trigger, current, core.ErrInvalidTransition)
	}
	if tr.Guard != nil {
		if err := tr.Guard(ctx); err != nil {
			return Result{}, err
		}
	}
	return Result{Next: tr.Next, Effect: tr.Effect}, nil
}

// CanFire reports whether the trigger is defined for the state, ignoring
// guards. The engine uses it to decide whether a redelivered or late
// message is simply a no-op.
func (m *StateMachine) CanFire(current core.WorkflowState, trigger Trigger) bool {
	row, ok := m.table[current]
	if !ok {
		return false
	}
	_, ok = row[trigger]
	return ok
}
