package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func mustEnvelope(t *testing.T, topic, incidentID string, payload interface{}) *core.Envelope {
	t.Helper()
	env, err := core.NewEnvelope(topic, incidentID, payload, time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryBusDelivers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var received []*core.Envelope
	_, err := b.Subscribe(ctx, core.TopicNewIncident, func(ctx context.Context, env *core.Envelope) error {
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := mustEnvelope(t, core.TopicNewIncident, "inc-1", map[string]string{"severity": "HIGH"})
	if err := b.Publish(ctx, core.TopicNewIncident, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "message never delivered")

	mu.Lock()
	defer mu.Unlock()
	if received[0].IncidentID != "inc-1" {
		t.Errorf("wrong incident id: %s", received[0].IncidentID)
	}
}

func TestMemoryBusTopicIsolation(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var count int
	var mu sync.Mutex
	_, err := b.Subscribe(ctx, core.TopicAnalysisComplete, func(ctx context.Context, env *core.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := mustEnvelope(t, core.TopicNewIncident, "inc-1", map[string]string{})
	if err := b.Publish(ctx, core.TopicNewIncident, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("subscriber received a message from another topic")
	}
}

func TestMemoryBusRedeliversOnce(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	_, err := b.Subscribe(ctx, core.TopicNewIncident, func(ctx context.Context, env *core.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("flaky handler")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := mustEnvelope(t, core.TopicNewIncident, "inc-1", map[string]string{})
	if err := b.Publish(ctx, core.TopicNewIncident, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, "message was not redelivered")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(ctx, core.TopicNewIncident, func(ctx context.Context, env *core.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	env := mustEnvelope(t, core.TopicNewIncident, "inc-1", map[string]string{})
	if err := b.Publish(ctx, core.TopicNewIncident, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("unsubscribed handler still received messages")
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	env := mustEnvelope(t, core.TopicNewIncident, "inc-1", map[string]string{})
	if err := b.Publish(context.Background(), core.TopicNewIncident, env); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
