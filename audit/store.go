package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ===== In-memory store =====

// MemoryStore keeps the chain in process memory. Used by tests and by
// deployments that accept losing the trail on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []*Entry
	byIncident map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byIncident: make(map[string][]*Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries = append(s.entries, &copied)
	if entry.IncidentID != "" {
		s.byIncident[entry.IncidentID] = append(s.byIncident[entry.IncidentID], &copied)
	}
	return nil
}

func (s *MemoryStore) Entries(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryStore) IncidentEntries(ctx context.Context, incidentID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.byIncident[incidentID]
	out := make([]*Entry, len(chain))
	for i, e := range chain {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

// ===== Redis store =====

// RedisStore appends entries to Redis lists: one global list plus one
// list per incident. Lists preserve append order, which is the chain
// order verification depends on.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if prefix == "" {
		prefix = "sentinelops"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) globalKey() string {
	return fmt.Sprintf("%s:audit:global", s.prefix)
}

func (s *RedisStore) incidentKey(incidentID string) string {
	return fmt.Sprintf("%s:audit:incident:%s", s.prefix, incidentID)
}

func (s *RedisStore) Append(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.globalKey(), data)
	if entry.IncidentID != "" {
		pipe.RPush(ctx, s.incidentKey(entry.IncidentID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context) ([]*Entry, error) {
	return s.load(ctx, s.globalKey())
}

func (s *RedisStore) IncidentEntries(ctx context.Context, incidentID string) ([]*Entry, error) {
	return s.load(ctx, s.incidentKey(incidentID))
}

func (s *RedisStore) load(ctx context.Context, key string) ([]*Entry, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading audit chain %s: %w", key, err)
	}
	out := make([]*Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decoding audit entry in %s: %w", key, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
