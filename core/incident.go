package core

import (
	"fmt"
	"time"
)

// Severity is the initial severity assigned by the detection source.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity validates a severity string from the wire.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity %q: %w", s, ErrValidation)
	}
}

// WorkflowState enumerates the incident workflow states. The transition
// table in the orchestration package is the sole authority on which state
// changes are legal.
type WorkflowState string

const (
	StateInitialized           WorkflowState = "INITIALIZED"
	StateDetectionReceived     WorkflowState = "DETECTION_RECEIVED"
	StateAnalysisRequested     WorkflowState = "ANALYSIS_REQUESTED"
	StateAnalysisInProgress    WorkflowState = "ANALYSIS_IN_PROGRESS"
	StateAnalysisComplete      WorkflowState = "ANALYSIS_COMPLETE"
	StateRemediationRequested  WorkflowState = "REMEDIATION_REQUESTED"
	StateRemediationProposed   WorkflowState = "REMEDIATION_PROPOSED"
	StateApprovalPending       WorkflowState = "APPROVAL_PENDING"
	StateRemediationApproved   WorkflowState = "REMEDIATION_APPROVED"
	StateRemediationInProgress WorkflowState = "REMEDIATION_IN_PROGRESS"
	StateRemediationComplete   WorkflowState = "REMEDIATION_COMPLETE"
	StateIncidentResolved      WorkflowState = "INCIDENT_RESOLVED"
	StateIncidentClosed        WorkflowState = "INCIDENT_CLOSED"
	StateWorkflowFailed        WorkflowState = "WORKFLOW_FAILED"
	StateWorkflowTimeout       WorkflowState = "WORKFLOW_TIMEOUT"
)

// IsTerminal reports whether the workflow never leaves this state.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateIncidentClosed, StateWorkflowFailed, StateWorkflowTimeout:
		return true
	}
	return false
}

// Action is a proposed remediation step produced by the remediation agent.
type Action struct {
	Category         string   `json:"category"`
	Targets          []string `json:"targets"`
	Risk             float64  `json:"risk"`
	RequiresApproval bool     `json:"requires_approval"`
	DryRun           bool     `json:"dry_run"`
	IdempotencyKey   string   `json:"idempotency_key"`
}

// ActionExecution records the outcome of one executed action. At most one
// execution exists per (incident, idempotency key).
type ActionExecution struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Category       string    `json:"category"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	ExecutedAt     time.Time `json:"executed_at"`
}

// ApprovalOutcome is the result of evaluating one action against the rules.
type ApprovalOutcome string

const (
	OutcomeApprove ApprovalOutcome = "approve"
	OutcomeDefer   ApprovalOutcome = "defer-to-human"
	OutcomeDeny    ApprovalOutcome = "deny"
)

// ApprovalDecision is immutable once produced. Re-evaluation creates a new
// decision, never a mutation.
type ApprovalDecision struct {
	Outcome        ApprovalOutcome `json:"outcome"`
	RuleID         string          `json:"rule_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Confidence     float64         `json:"confidence"`
	Risk           float64         `json:"risk"`
	Severity       Severity        `json:"severity"`
	Reason         string          `json:"reason,omitempty"`
	DecidedAt      time.Time       `json:"decided_at"`
}

// Incident is the per-incident document held in the incident store.
// Creation metadata is immutable; the workflow fields are mutated only by
// the single workflow that owns the incident.
type Incident struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	DetectedAt time.Time `json:"detected_at"`
	Severity   Severity  `json:"severity"`
	Resources  []string  `json:"resources"`

	State            WorkflowState      `json:"state"`
	LastTransition   time.Time          `json:"last_transition"`
	AnalysisRef      string             `json:"analysis_ref,omitempty"`
	Confidence       float64            `json:"confidence"`
	ProposedActions  []Action           `json:"proposed_actions,omitempty"`
	ExecutedActions  []ActionExecution  `json:"executed_actions,omitempty"`
	Decisions        []ApprovalDecision `json:"decisions,omitempty"`
	ResolutionReason string             `json:"resolution_reason,omitempty"`
	Owner            string             `json:"owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version supports optimistic concurrency in the store.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so store reads never alias workflow-owned state.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.Resources = append([]string(nil), i.Resources...)
	c.ProposedActions = append([]Action(nil), i.ProposedActions...)
	c.ExecutedActions = append([]ActionExecution(nil), i.ExecutedActions...)
	c.Decisions = append([]ApprovalDecision(nil), i.Decisions...)
	for n := range c.ProposedActions {
		c.ProposedActions[n].Targets = append([]string(nil), i.ProposedActions[n].Targets...)
	}
	return &c
}

// Executed reports whether the action with the given idempotency key has
// already run for this incident.
func (i *Incident) Executed(idempotencyKey string) bool {
	for _, e := range i.ExecutedActions {
		if e.IdempotencyKey == idempotencyKey {
			return true
		}
	}
	return false
}

// CumulativeRisk sums the risk scores of all proposed actions.
func (i *Incident) CumulativeRisk() float64 {
	var total float64
	for _, a := range i.ProposedActions {
		total += a.Risk
	}
	return total
}
