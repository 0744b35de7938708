package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// NATSBus is the production transport. Topics map to subjects as
// "<prefix>.<topic>"; inbound subscriptions join a queue group so
// horizontally scaled orchestrators split the stream instead of
// duplicating it.
type NATSBus struct {
	conn       *nats.Conn
	prefix     string
	queueGroup string
	logger     core.Logger
	metrics    core.Metrics
}

// NATSBusOptions configures a NATSBus.
type NATSBusOptions struct {
	URL           string
	SubjectPrefix string
	QueueGroup    string
	Logger        core.Logger
	Metrics       core.Metrics
}

// NewNATSBus connects to the NATS server with reconnect enabled.
func NewNATSBus(opts NATSBusOptions) (*NATSBus, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("NATS URL is required: %w", core.ErrMissingConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("bus.nats")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}

	conn, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{"operation": "nats_disconnect"}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.Warn("NATS disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", map[string]interface{}{
				"operation": "nats_reconnect",
				"url":       nc.ConnectedUrl(),
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = "sentinelops"
	}
	queueGroup := opts.QueueGroup
	if queueGroup == "" {
		queueGroup = "orchestrator"
	}
	return &NATSBus{
		conn:       conn,
		prefix:     prefix,
		queueGroup: queueGroup,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func (b *NATSBus) subject(topic string) string {
	return fmt.Sprintf("%s.%s", b.prefix, topic)
}

// Publish serializes the envelope to JSON and publishes it.
func (b *NATSBus) Publish(ctx context.Context, topic string, env *core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope for %q: %w", topic, err)
	}
	if err := b.conn.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("publishing to %q: %v: %w", topic, err, core.ErrTransient)
	}
	b.metrics.Counter(ctx, "orchestrator.bus.published", 1,
		map[string]string{"topic": topic})
	return nil
}

// Subscribe joins the queue group on the topic's subject. Undecodable
// messages are dropped with a log line; there is nothing to retry.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler core.MessageHandler) (core.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(b.subject(topic), b.queueGroup, func(msg *nats.Msg) {
		var env core.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("Dropping undecodable message", map[string]interface{}{
				"operation": "bus_decode",
				"subject":   msg.Subject,
				"error":     err.Error(),
			})
			return
		}
		if err := handler(context.Background(), &env); err != nil {
			b.logger.Warn("Handler failed", map[string]interface{}{
				"operation":  "bus_handle",
				"topic":      topic,
				"message_id": env.ID,
				"error":      err.Error(),
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", topic, err)
	}
	return &natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Close drains in-flight messages then disconnects.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}

var _ core.MessageBus = (*NATSBus)(nil)
