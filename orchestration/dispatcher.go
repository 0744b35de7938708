package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
	"github.com/cdgtlmda/SentinelOps-sub002/telemetry"
)

// Dispatcher subscribes to every inbound topic, validates message shape,
// and hands envelopes to the workflow engine. Rejections are durable:
// structurally valid but unprocessable messages go to the dead-letter
// topic, malformed duplicates are dropped after auditing.
type Dispatcher struct {
	engine  *Engine
	bus     core.MessageBus
	audit   core.AuditRecorder
	clock   core.Clock
	logger  core.Logger
	metrics core.Metrics

	subs []core.Subscription
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Engine  *Engine
	Bus     core.MessageBus
	Audit   core.AuditRecorder
	Clock   core.Clock
	Logger  core.Logger
	Metrics core.Metrics
}

// NewDispatcher builds a dispatcher. Call Start to subscribe.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Engine == nil || opts.Bus == nil || opts.Audit == nil {
		return nil, fmt.Errorf("dispatcher requires engine, bus and audit: %w", core.ErrInvalidConfiguration)
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &core.NoOpMetrics{}
	}
	logger := opts.Logger
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("dispatcher")
	}
	return &Dispatcher{
		engine:  opts.Engine,
		bus:     opts.Bus,
		audit:   opts.Audit,
		clock:   opts.Clock,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Start subscribes to every inbound topic.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, topic := range core.InboundTopics {
		topic := topic
		sub, err := d.bus.Subscribe(ctx, topic, func(ctx context.Context, env *core.Envelope) error {
			return d.dispatch(ctx, topic, env)
		})
		if err != nil {
			d.Stop()
			return fmt.Errorf("subscribing to %q: %w", topic, err)
		}
		d.subs = append(d.subs, sub)
	}
	d.logger.Info("Dispatcher started", map[string]interface{}{
		"operation": "dispatcher_start",
		"topics":    len(core.InboundTopics),
	})
	return nil
}

// Stop unsubscribes from all topics.
func (d *Dispatcher) Stop() {
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(); err != nil {
			d.logger.Warn("Unsubscribe failed", map[string]interface{}{
				"operation": "dispatcher_stop",
				"error":     err.Error(),
			})
		}
	}
	d.subs = nil
}

// dispatch validates and routes one inbound envelope.
func (d *Dispatcher) dispatch(ctx context.Context, topic string, env *core.Envelope) error {
	d.metrics.Counter(ctx, telemetry.MetricDispatchReceived, 1,
		map[string]string{"topic": topic})

	if err := d.validate(topic, env); err != nil {
		// Malformed input never succeeds on redelivery; audit and drop.
		d.auditRejection(ctx, env, "validation", err)
		return nil
	}

	err := d.engine.OnInboundMessage(ctx, env)
	if errors.Is(err, core.ErrQueueFull) {
		d.metrics.Counter(ctx, telemetry.MetricAdmissionRejected, 1, nil)
		d.deadLetter(ctx, env, "queue_full")
		return nil
	}
	return err
}

// validate enforces the minimum shape: a known topic, an incident id,
// and a payload that decodes into the topic's schema.
func (d *Dispatcher) validate(topic string, env *core.Envelope) error {
	if env.IncidentID == "" {
		return fmt.Errorf("missing incident id: %w", core.ErrValidation)
	}
	if env.ID == "" {
		return fmt.Errorf("missing message id: %w", core.ErrValidation)
	}

	switch topic {
	case core.TopicNewIncident:
		var p core.NewIncidentPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if _, err := core.ParseSeverity(p.Severity); err != nil {
			return err
		}
		return nil
	case core.TopicAnalysisComplete:
		var p core.AnalysisCompletePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("confidence %.2f out of range: %w", p.Confidence, core.ErrValidation)
		}
		return nil
	case core.TopicRemediationProposed:
		var p core.RemediationProposedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		for _, action := range p.Actions {
			if action.IdempotencyKey == "" {
				return fmt.Errorf("action %s missing idempotency key: %w", action.Category, core.ErrValidation)
			}
		}
		return nil
	case core.TopicRemediationComplete:
		var p core.RemediationCompletePayload
		return env.Decode(&p)
	case core.TopicApprovalDecision:
		var p core.ApprovalDecisionPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.Decision != "granted" && p.Decision != "denied" {
			return fmt.Errorf("unknown decision %q: %w", p.Decision, core.ErrValidation)
		}
		return nil
	case core.TopicNotificationAck:
		var p core.NotificationAckPayload
		return env.Decode(&p)
	case core.TopicControl:
		var p core.ControlPayload
		return env.Decode(&p)
	}
	return fmt.Errorf("unrecognized topic %q: %w", topic, core.ErrValidation)
}

func (d *Dispatcher) auditRejection(ctx context.Context, env *core.Envelope, reason string, cause error) {
	d.logger.Warn("Rejecting inbound message", map[string]interface{}{
		"operation":   "dispatch_reject",
		"topic":       env.Topic,
		"incident_id": env.IncidentID,
		"reason":      reason,
		"error":       cause.Error(),
	})
	if err := d.audit.Record(ctx, core.AuditEvent{
		IncidentID: env.IncidentID,
		Actor:      "dispatcher",
		EventType:  "message_rejected",
		Payload: map[string]interface{}{
			"topic":  env.Topic,
			"reason": reason,
			"error":  cause.Error(),
		},
	}); err != nil {
		d.logger.Error("Audit write failed", map[string]interface{}{
			"operation": "dispatch_reject",
			"error":     err.Error(),
		})
	}
}

// deadLetter publishes the durable record of a refused message.
func (d *Dispatcher) deadLetter(ctx context.Context, env *core.Envelope, reason string) {
	d.metrics.Counter(ctx, telemetry.MetricDispatchDeadLetter, 1,
		map[string]string{"reason": reason})

	raw := env.Payload
	payload := core.DeadLetterPayload{
		OriginalTopic: env.Topic,
		Reason:        reason,
		Raw:           raw,
	}
	out, err := core.NewEnvelope(core.TopicDeadLetter, env.IncidentID, payload, d.clock.Now())
	if err != nil {
		d.logger.Error("Dead-letter envelope failed", map[string]interface{}{
			"operation": "dead_letter",
			"error":     err.Error(),
		})
		return
	}
	if err := d.bus.Publish(ctx, core.TopicDeadLetter, out); err != nil {
		d.logger.Error("Dead-letter publish failed", map[string]interface{}{
			"operation": "dead_letter",
			"topic":     env.Topic,
			"error":     err.Error(),
		})
	}
	d.auditRejection(ctx, env, reason, core.ErrQueueFull)
}
