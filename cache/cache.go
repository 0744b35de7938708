// Package cache provides the TTL- and size-bounded result cache used on
// read-heavy orchestrator paths. It stores read-only derived artifacts
// only; decisions are never cached.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// ResultCache is the keyed byte cache consumed by the workflow engine.
type ResultCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Clear()
	Stats() Stats
}

// Stats provides cache performance metrics
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Fingerprint derives a cache key from an operation, incident id and the
// inputs that affect the result.
func Fingerprint(operation, incidentID string, inputs ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(incidentID))
	for _, in := range inputs {
		h.Write([]byte{0})
		h.Write([]byte(in))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LRUCache provides a TTL-aware LRU cache bounded by entry count.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*lruItem
	head       *lruItem
	tail       *lruItem
	stats      Stats
	clock      core.Clock
}

type lruItem struct {
	key       string
	value     []byte
	expiresAt time.Time
	hits      int64
	prev      *lruItem
	next      *lruItem
}

// NewLRUCache creates a cache bounded by capacity entries. A non-positive
// ttl disables the default expiry; Set can still override per entry.
func NewLRUCache(capacity int, defaultTTL time.Duration, clock core.Clock) *LRUCache {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &LRUCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*lruItem),
		clock:      clock,
	}
}

// RegisterMetrics exports cache size and hit rate as gauges.
func (l *LRUCache) RegisterMetrics(metrics core.Metrics) {
	metrics.Gauge("orchestrator.cache.size", func() float64 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return float64(len(l.items))
	})
	metrics.Gauge("orchestrator.cache.hit_rate", func() float64 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stats.HitRate
	})
}

// Get retrieves a cached value and moves it to the front.
func (l *LRUCache) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, found := l.items[key]
	if !found {
		l.stats.Misses++
		l.updateHitRate()
		return nil, false
	}

	if l.clock.Now().After(item.expiresAt) {
		l.removeItem(item)
		l.stats.Misses++
		l.updateHitRate()
		return nil, false
	}

	l.moveToFront(item)
	item.hits++
	l.stats.Hits++
	l.updateHitRate()
	return item.value, true
}

// Set stores a value. A zero ttl uses the cache default.
func (l *LRUCache) Set(key string, value []byte, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	expires := l.clock.Now().Add(ttl)

	if item, found := l.items[key]; found {
		item.value = value
		item.expiresAt = expires
		l.moveToFront(item)
		return
	}

	if len(l.items) >= l.capacity {
		l.removeLRU()
	}

	item := &lruItem{key: key, value: value, expiresAt: expires}
	l.items[key] = item
	l.addToFront(item)
	l.stats.Size = len(l.items)
}

// Clear removes all cached values
func (l *LRUCache) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = make(map[string]*lruItem)
	l.head = nil
	l.tail = nil
	l.stats.Size = 0
}

// Stats returns cache statistics
func (l *LRUCache) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := l.stats
	stats.Size = len(l.items)
	return stats
}

func (l *LRUCache) moveToFront(item *lruItem) {
	if item == l.head {
		return
	}
	l.removeFromList(item)
	l.addToFront(item)
}

func (l *LRUCache) addToFront(item *lruItem) {
	item.prev = nil
	item.next = l.head

	if l.head != nil {
		l.head.prev = item
	}
	l.head = item

	if l.tail == nil {
		l.tail = item
	}
}

func (l *LRUCache) removeFromList(item *lruItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		l.head = item.next
	}

	if item.next != nil {
		item.next.prev = item.prev
	} else {
		l.tail = item.prev
	}
}

func (l *LRUCache) removeItem(item *lruItem) {
	l.removeFromList(item)
	delete(l.items, item.key)
	l.stats.Evictions++
}

func (l *LRUCache) removeLRU() {
	if l.tail != nil {
		l.removeItem(l.tail)
	}
}

func (l *LRUCache) updateHitRate() {
	total := l.stats.Hits + l.stats.Misses
	if total > 0 {
		l.stats.HitRate = float64(l.stats.Hits) / float64(total)
	}
}

var _ ResultCache = (*LRUCache)(nil)
