package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func newTestCache(capacity int, ttl time.Duration) (*LRUCache, *core.FakeClock) {
	clock := core.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewLRUCache(capacity, ttl, clock), clock
}

func TestCacheSetGet(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	c.Set("k1", []byte("v1"), 0)
	got, found := c.Get("k1")
	if !found || string(got) != "v1" {
		t.Errorf("Get(k1) = %q, %v", got, found)
	}

	if _, found := c.Get("absent"); found {
		t.Error("absent key must miss")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)

	c.Set("short", []byte("v"), 10*time.Second)
	c.Set("default", []byte("v"), 0)

	clock.Advance(30 * time.Second)
	if _, found := c.Get("short"); found {
		t.Error("entry past its ttl must miss")
	}
	if _, found := c.Get("default"); !found {
		t.Error("entry within the default ttl must hit")
	}

	clock.Advance(time.Minute)
	if _, found := c.Get("default"); found {
		t.Error("entry past the default ttl must miss")
	}
}

func TestCacheEvictsLRUAtCapacity(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)

	for n := 1; n <= 3; n++ {
		c.Set(fmt.Sprintf("k%d", n), []byte("v"), 0)
	}

	// Touch k1 so k2 becomes the least recently used.
	c.Get("k1")
	c.Set("k4", []byte("v"), 0)

	if _, found := c.Get("k2"); found {
		t.Error("k2 should have been evicted")
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if _, found := c.Get(key); !found {
			t.Errorf("%s should survive eviction", key)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCacheOverwriteKeepsCapacity(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	c.Set("k1", []byte("v1"), 0)
	c.Set("k2", []byte("v2"), 0)
	c.Set("k1", []byte("v1b"), 0)

	got, found := c.Get("k1")
	if !found || string(got) != "v1b" {
		t.Errorf("overwrite lost: %q, %v", got, found)
	}
	if _, found := c.Get("k2"); !found {
		t.Error("overwriting must not evict other entries")
	}
}

func TestCacheStats(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	c.Set("k1", []byte("v"), 0)
	c.Get("k1")
	c.Get("k1")
	c.Get("miss")

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", stats.Hits, stats.Misses)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("hit rate = %v, want ~0.667", stats.HitRate)
	}
	if stats.Size != 1 {
		t.Errorf("size = %d, want 1", stats.Size)
	}
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Set("k1", []byte("v"), 0)
	c.Clear()
	if _, found := c.Get("k1"); found {
		t.Error("cleared cache must miss")
	}
	if c.Stats().Size != 0 {
		t.Errorf("size after clear = %d", c.Stats().Size)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("incident_context", "INC-1", "HIGH", "cloud-audit")
	b := Fingerprint("incident_context", "INC-1", "HIGH", "cloud-audit")
	if a != b {
		t.Error("fingerprints of identical inputs must match")
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a))
	}

	// Input boundaries matter: shifting a byte between fields changes the key.
	c := Fingerprint("incident_context", "INC-1H", "IGH", "cloud-audit")
	if a == c {
		t.Error("field boundaries must affect the fingerprint")
	}
	if a == Fingerprint("incident_context", "INC-2", "HIGH", "cloud-audit") {
		t.Error("different incidents must not collide")
	}
}
