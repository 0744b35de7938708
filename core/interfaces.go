package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger is implemented by loggers that can attribute log
// records to a named component. Components call WithComponent once at
// construction so every record they emit carries the component name.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Clock provides monotonic time and scheduled callbacks. All components
// take a Clock instead of calling the time package directly so tests can
// drive timeouts deterministically.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn to run after d. The returned Timer can be
	// stopped before it fires.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from running.
	Stop() bool
}

// IncidentStore is the key-value view of the incident collection.
// Writes are optimistic: Update fails with ErrPrecondition when the stored
// version no longer matches the version the caller read.
type IncidentStore interface {
	// Create stores a new incident. Returns ErrDuplicate if the id exists.
	Create(ctx context.Context, inc *Incident) error
	// Get returns a copy of the incident or ErrNotFound.
	Get(ctx context.Context, id string) (*Incident, error)
	// Update persists inc if inc.Version matches the stored version,
	// then increments the version. Returns ErrPrecondition on conflict.
	Update(ctx context.Context, inc *Incident) error
	// List returns all incidents. Intended for the admin surface and tests.
	List(ctx context.Context) ([]*Incident, error)
}

// MessageHandler processes one delivered envelope. Returning an error
// withholds the acknowledgement so the bus redelivers the message.
type MessageHandler func(ctx context.Context, env *Envelope) error

// Subscription is a handle to an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// MessageBus is the capability interface collaborators are reached
// through: publish to a named topic, subscribe to a named topic.
// Delivery is at-least-once; handlers must be idempotent.
type MessageBus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
}

// Metrics is the sink for counters, gauges and histograms. Implementations
// must be safe for concurrent use. The telemetry package provides the
// OpenTelemetry-backed implementation; NoOpMetrics is the safe default.
type Metrics interface {
	Counter(ctx context.Context, name string, value int64, labels map[string]string)
	Histogram(ctx context.Context, name string, value float64, labels map[string]string)
	// Gauge registers a callback observed at collection time.
	Gauge(name string, observe func() float64)
}

// AuditEvent is one auditable occurrence handed to the audit log.
// Payload is serialized and digested; it never stores secrets.
type AuditEvent struct {
	IncidentID string      // empty for process-global events
	Actor      string      // component name that produced the event
	EventType  string      // e.g. "state_transition", "approval_decision"
	Payload    interface{} // JSON-serializable detail
}

// AuditRecorder appends events to the tamper-evident audit trail.
// Record must succeed before the caller commits the change it describes.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) error
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMetrics provides a no-op metrics implementation
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(ctx context.Context, name string, value int64, labels map[string]string) {
}
func (n *NoOpMetrics) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
}
func (n *NoOpMetrics) Gauge(name string, observe func() float64) {}

// NoOpAudit discards audit events. Only for tests; production wiring
// always uses audit.Log because transitions must not commit unaudited.
type NoOpAudit struct{}

func (n *NoOpAudit) Record(ctx context.Context, event AuditEvent) error { return nil }
