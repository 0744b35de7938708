package orchestration

import (
	"errors"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func detection(t *testing.T, id string) *core.Envelope {
	t.Helper()
	env, err := core.NewEnvelope(core.TopicNewIncident, id, core.NewIncidentPayload{
		IncidentID: id,
		Severity:   string(core.SeverityMedium),
	}, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	return env
}

func TestAdmissionCapAndBacklog(t *testing.T) {
	a := NewAdmission(2, 1, nil, nil)

	started, err := a.Admit(detection(t, "inc-1"))
	if err != nil || !started {
		t.Fatalf("first detection should start: started=%v err=%v", started, err)
	}
	started, err = a.Admit(detection(t, "inc-2"))
	if err != nil || !started {
		t.Fatalf("second detection should start: started=%v err=%v", started, err)
	}

	// Cap reached: third queues.
	started, err = a.Admit(detection(t, "inc-3"))
	if err != nil {
		t.Fatalf("third detection should enqueue: %v", err)
	}
	if started {
		t.Error("third detection must not start immediately")
	}
	if a.BacklogDepth() != 1 {
		t.Errorf("expected backlog depth 1, got %d", a.BacklogDepth())
	}

	// Backlog full: fourth rejects.
	_, err = a.Admit(detection(t, "inc-4"))
	if !errors.Is(err, core.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestAdmissionReleasePromotesFIFO(t *testing.T) {
	a := NewAdmission(1, 3, nil, nil)

	if _, err := a.Admit(detection(t, "inc-1")); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"inc-2", "inc-3", "inc-4"} {
		if _, err := a.Admit(detection(t, id)); err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	// Oldest first, always: each finished incident hands its slot to the
	// front of the backlog.
	holder := "inc-1"
	for _, want := range []string{"inc-2", "inc-3", "inc-4"} {
		promoted := a.Release(holder)
		if promoted == nil {
			t.Fatalf("expected promotion of %s", want)
		}
		if promoted.IncidentID != want {
			t.Errorf("promoted %s, want %s", promoted.IncidentID, want)
		}
		if !a.IsActive(promoted.IncidentID) {
			t.Errorf("%s should hold the slot after promotion", want)
		}
		holder = promoted.IncidentID
	}

	if promoted := a.Release(holder); promoted != nil {
		t.Errorf("empty backlog must promote nothing, got %s", promoted.IncidentID)
	}
	if a.ActiveCount() != 0 {
		t.Errorf("expected no active incidents, got %d", a.ActiveCount())
	}
}

func TestAdmissionSpuriousReleaseDoesNotPromote(t *testing.T) {
	a := NewAdmission(1, 3, nil, nil)

	if _, err := a.Admit(detection(t, "inc-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Admit(detection(t, "inc-2")); err != nil {
		t.Fatal(err)
	}

	// Releasing ids that hold no slot must not leak backlog entries into
	// the active set past the cap.
	for _, id := range []string{"inc-2", "inc-404"} {
		if promoted := a.Release(id); promoted != nil {
			t.Errorf("Release(%q) promoted %s without freeing a slot", id, promoted.IncidentID)
		}
	}
	if a.ActiveCount() != 1 {
		t.Errorf("active count = %d, want 1", a.ActiveCount())
	}
	if a.BacklogDepth() != 1 {
		t.Errorf("backlog depth = %d, want 1", a.BacklogDepth())
	}

	// The real holder still releases normally, exactly once.
	promoted := a.Release("inc-1")
	if promoted == nil || promoted.IncidentID != "inc-2" {
		t.Fatalf("expected inc-2 promoted, got %+v", promoted)
	}
	if repeated := a.Release("inc-1"); repeated != nil {
		t.Errorf("repeated release promoted %s", repeated.IncidentID)
	}
	if a.ActiveCount() != 1 {
		t.Errorf("active count after promotion = %d, want 1", a.ActiveCount())
	}
}

func TestAdmissionDuplicateIsNoOp(t *testing.T) {
	a := NewAdmission(1, 1, nil, nil)

	if _, err := a.Admit(detection(t, "inc-1")); err != nil {
		t.Fatal(err)
	}
	started, err := a.Admit(detection(t, "inc-1"))
	if err != nil || !started {
		t.Errorf("re-admitting an active incident is accepted: started=%v err=%v", started, err)
	}
	if a.ActiveCount() != 1 {
		t.Errorf("duplicate admit must not consume a slot, active=%d", a.ActiveCount())
	}
}
