package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Inbound topics consumed by the dispatcher.
const (
	TopicNewIncident         = "new_incident"
	TopicAnalysisComplete    = "analysis_complete"
	TopicRemediationProposed = "remediation_proposed"
	TopicRemediationComplete = "remediation_complete"
	TopicApprovalDecision    = "approval_decision"
	TopicNotificationAck     = "notification_ack"
	TopicControl             = "control"
)

// Outbound topics published to collaborator agents.
const (
	TopicAnalyzeIncident    = "analyze_incident"
	TopicExecuteRemediation = "execute_remediation"
	TopicSendNotification   = "send_notification"
	TopicDeadLetter         = "dead_letter"
)

// InboundTopics lists every topic the dispatcher subscribes to.
var InboundTopics = []string{
	TopicNewIncident,
	TopicAnalysisComplete,
	TopicRemediationProposed,
	TopicRemediationComplete,
	TopicApprovalDecision,
	TopicNotificationAck,
	TopicControl,
}

// Envelope wraps every message crossing the bus. ID is the idempotency
// handle: redelivering an envelope with a seen ID is a no-op on state.
type Envelope struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	IncidentID string          `json:"incident_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh message id and serialized
// payload. now should come from the component's Clock.
func NewEnvelope(topic, incidentID string, payload interface{}, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Topic:      topic,
		IncidentID: incidentID,
		Timestamp:  now,
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w: %v", e.Topic, ErrValidation, err)
	}
	return nil
}

// Inbound payloads

// NewIncidentPayload announces a detection.
type NewIncidentPayload struct {
	IncidentID string    `json:"incident_id"`
	DetectedAt time.Time `json:"detected_at"`
	Severity   string    `json:"severity"`
	Source     string    `json:"source"`
	Resources  []string  `json:"resources"`
}

// AnalysisCompletePayload carries the analysis agent result.
type AnalysisCompletePayload struct {
	IncidentID    string   `json:"incident_id"`
	Confidence    float64  `json:"confidence"`
	Findings      string   `json:"findings"`
	PrimaryEvents []string `json:"primary_events"`
}

// RemediationProposedPayload carries the proposed action plan.
type RemediationProposedPayload struct {
	IncidentID string   `json:"incident_id"`
	Actions    []Action `json:"actions"`
}

// ActionStatus is the per-action execution outcome.
type ActionStatus struct {
	IdempotencyKey string `json:"key"`
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
}

// RemediationCompletePayload reports execution outcomes per action.
type RemediationCompletePayload struct {
	IncidentID      string         `json:"incident_id"`
	PerActionStatus []ActionStatus `json:"per_action_status"`
}

// ApprovalDecisionPayload carries a human reviewer decision.
type ApprovalDecisionPayload struct {
	IncidentID string `json:"incident_id"`
	Decision   string `json:"decision"` // "granted" or "denied"
	Reviewer   string `json:"reviewer"`
}

// NotificationAckPayload acknowledges a delivered notification.
type NotificationAckPayload struct {
	IncidentID string `json:"incident_id"`
	Channel    string `json:"channel"`
	OK         bool   `json:"ok"`
}

// ControlPayload carries operator control commands (e.g. escalate).
type ControlPayload struct {
	IncidentID string `json:"incident_id"`
	Command    string `json:"command"`
}

// Outbound payloads

// AnalyzeIncidentPayload asks the analysis agent to investigate.
type AnalyzeIncidentPayload struct {
	IncidentID string `json:"incident_id"`
	ContextRef string `json:"context_ref"`
}

// ExecuteRemediationPayload asks the remediation agent to run the plan.
type ExecuteRemediationPayload struct {
	IncidentID string   `json:"incident_id"`
	Actions    []Action `json:"actions"`
	DryRun     bool     `json:"dry_run"`
}

// Notification templates referenced by SendNotificationPayload.
const (
	TemplateResolved           = "resolved"
	TemplateLowConfidence      = "low_confidence"
	TemplateApprovalRequired   = "approval_required"
	TemplateEscalationRequired = "escalation_required"
)

// SendNotificationPayload asks the communication agent to notify humans.
type SendNotificationPayload struct {
	IncidentID string                 `json:"incident_id"`
	Template   string                 `json:"template"`
	Severity   Severity               `json:"severity"`
	Audience   string                 `json:"audience"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// DeadLetterPayload is the durable record of a refused message.
type DeadLetterPayload struct {
	OriginalTopic string          `json:"original_topic"`
	Reason        string          `json:"reason"`
	Raw           json.RawMessage `json:"raw"`
}
