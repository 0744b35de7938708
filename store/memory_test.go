package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func testIncident(id string) *core.Incident {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &core.Incident{
		ID:         id,
		Source:     "cloud-audit",
		DetectedAt: now,
		Severity:   core.SeverityHigh,
		Resources:  []string{"projects/prod/instances/web-1"},
		State:      core.StateInitialized,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inc := testIncident("inc-1")
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inc.Version != 1 {
		t.Errorf("expected version 1 after create, got %d", inc.Version)
	}

	got, err := s.Get(ctx, "inc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Severity != core.SeverityHigh {
		t.Errorf("expected severity HIGH, got %s", got.Severity)
	}

	// Returned copies must not alias stored state.
	got.Severity = core.SeverityLow
	again, _ := s.Get(ctx, "inc-1")
	if again.Severity != core.SeverityHigh {
		t.Error("mutation of returned incident leaked into the store")
	}
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, testIncident("inc-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := s.Create(ctx, testIncident("inc-1"))
	if !errors.Is(err, core.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreOptimisticUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inc := testIncident("inc-1")
	if err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Two readers take the same version; the second writer must lose.
	a, _ := s.Get(ctx, "inc-1")
	b, _ := s.Get(ctx, "inc-1")

	a.State = core.StateDetectionReceived
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", a.Version)
	}

	b.State = core.StateAnalysisInProgress
	err := s.Update(ctx, b)
	if !errors.Is(err, core.ErrPrecondition) {
		t.Errorf("expected ErrPrecondition for stale write, got %v", err)
	}

	got, _ := s.Get(ctx, "inc-1")
	if got.State != core.StateDetectionReceived {
		t.Errorf("stale write must not land; state is %s", got.State)
	}
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"inc-b", "inc-a", "inc-c"} {
		if err := s.Create(ctx, testIncident(id)); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(all))
	}
	if all[0].ID != "inc-a" || all[2].ID != "inc-c" {
		t.Errorf("expected ordered ids, got %s..%s", all[0].ID, all[2].ID)
	}
}
