// Package bus provides the message bus backends collaborators are
// reached through. The in-memory bus backs tests and single-process
// deployments; the NATS bus is the production transport. Both deliver
// at-least-once, so handlers must be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// MemoryBus is a channel-backed bus. Each subscriber gets its own
// goroutine and buffered queue; a failed handler gets one redelivery.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memorySub
	closed  bool
	logger  core.Logger
	wg      sync.WaitGroup
	bufSize int
}

type memorySub struct {
	bus     *MemoryBus
	topic   string
	handler core.MessageHandler
	ch      chan *core.Envelope
	done    chan struct{}
	once    sync.Once
}

// MemoryBusOption mutates a MemoryBus during construction.
type MemoryBusOption func(*MemoryBus)

// WithBufferSize sets the per-subscriber queue depth.
func WithBufferSize(n int) MemoryBusOption {
	return func(b *MemoryBus) { b.bufSize = n }
}

// WithLogger sets the bus logger.
func WithLogger(l core.Logger) MemoryBusOption {
	return func(b *MemoryBus) { b.logger = l }
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:    make(map[string][]*memorySub),
		logger:  &core.NoOpLogger{},
		bufSize: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	if cl, ok := b.logger.(core.ComponentAwareLogger); ok {
		b.logger = cl.WithComponent("bus.memory")
	}
	return b
}

// Publish delivers a copy of the envelope to every subscriber of the
// topic. Publishing to a topic with no subscribers is not an error.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *core.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("publish to %q: bus closed: %w", topic, core.ErrUnrecoverable)
	}
	for _, sub := range b.subs[topic] {
		copied := *env
		copied.Payload = append(json.RawMessage(nil), env.Payload...)
		select {
		case sub.ch <- &copied:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for the topic. Each subscription runs
// its handler on a dedicated goroutine, one message at a time.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler core.MessageHandler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe to %q: bus closed: %w", topic, core.ErrUnrecoverable)
	}
	sub := &memorySub{
		bus:     b,
		topic:   topic,
		handler: handler,
		ch:      make(chan *core.Envelope, b.bufSize),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go sub.run()
	return sub, nil
}

func (s *memorySub) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			s.deliver(env)
		}
	}
}

// deliver invokes the handler, retrying once on error. At-least-once
// semantics: the handler owns idempotency.
func (s *memorySub) deliver(env *core.Envelope) {
	ctx := context.Background()
	if err := s.handler(ctx, env); err != nil {
		s.bus.logger.Warn("Handler failed, redelivering", map[string]interface{}{
			"operation":  "bus_redeliver",
			"topic":      s.topic,
			"message_id": env.ID,
			"error":      err.Error(),
		})
		if err := s.handler(ctx, env); err != nil {
			s.bus.logger.Error("Handler failed after redelivery", map[string]interface{}{
				"operation":  "bus_drop",
				"topic":      s.topic,
				"message_id": env.ID,
				"error":      err.Error(),
			})
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		subs := s.bus.subs[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Close stops delivery and waits for in-flight handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}

var _ core.MessageBus = (*MemoryBus)(nil)
