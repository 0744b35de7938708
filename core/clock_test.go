package core

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var fired []string
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clock.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(10*time.Second, func() { fired = append(fired, "c") })

	clock.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Errorf("expected [a b] in deadline order, got %v", fired)
	}
	if got := clock.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(5*time.Second))
	}
	if clock.PendingTimers() != 1 {
		t.Errorf("expected one armed timer, got %d", clock.PendingTimers())
	}

	clock.Advance(5 * time.Second)
	if len(fired) != 3 || fired[2] != "c" {
		t.Errorf("expected c to fire at its deadline, got %v", fired)
	}
}

func TestFakeClockStopPreventsFiring(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("stopping an armed timer must report true")
	}
	if timer.Stop() {
		t.Error("stopping twice must report false")
	}

	clock.Advance(5 * time.Second)
	if fired {
		t.Error("stopped timer must not fire")
	}
}

func TestFakeClockTimerFiresOnce(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	count := 0
	clock.AfterFunc(time.Second, func() { count++ })

	clock.Advance(time.Second)
	clock.Advance(time.Second)
	if count != 1 {
		t.Errorf("timer fired %d times, want 1", count)
	}
}
