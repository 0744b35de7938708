package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// RedisStore persists incidents in Redis, one JSON value per incident.
// Optimistic concurrency uses WATCH: the transaction aborts when the key
// changes between the version check and the write, and the conflict
// surfaces as core.ErrPrecondition just like the in-memory store.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	RedisURL string
	Prefix   string
	Logger   core.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "sentinelops"
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("store.redis")
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:incident:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return fmt.Sprintf("%s:incidents", s.prefix)
}

// Create stores a new incident at version 1.
func (s *RedisStore) Create(ctx context.Context, inc *core.Incident) error {
	stored := inc.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling incident %s: %w", inc.ID, err)
	}

	ok, err := s.client.SetNX(ctx, s.key(inc.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating incident %s: %v: %w", inc.ID, err, core.ErrTransient)
	}
	if !ok {
		return fmt.Errorf("incident %s: %w", inc.ID, core.ErrDuplicate)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), inc.ID).Err(); err != nil {
		s.logger.Warn("Failed to index incident", map[string]interface{}{
			"operation":   "incident_index",
			"incident_id": inc.ID,
			"error":       err.Error(),
		})
	}
	inc.Version = 1
	return nil
}

// Get returns the stored incident.
func (s *RedisStore) Get(ctx context.Context, id string) (*core.Incident, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("incident %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading incident %s: %v: %w", id, err, core.ErrTransient)
	}
	var inc core.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("decoding incident %s: %w", id, err)
	}
	return &inc, nil
}

// Update persists inc when the stored version matches inc.Version. The
// WATCH/MULTI/EXEC transaction detects concurrent writers that slipped in
// after the version check.
func (s *RedisStore) Update(ctx context.Context, inc *core.Incident) error {
	key := s.key(inc.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("incident %s: %w", inc.ID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading incident %s: %v: %w", inc.ID, err, core.ErrTransient)
		}
		var current core.Incident
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("decoding incident %s: %w", inc.ID, err)
		}
		if current.Version != inc.Version {
			return fmt.Errorf("incident %s: stored version %d, caller read %d: %w",
				inc.ID, current.Version, inc.Version, core.ErrPrecondition)
		}

		next := inc.Clone()
		next.Version = current.Version + 1
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshaling incident %s: %w", inc.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			inc.Version = next.Version
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("incident %s: concurrent write: %w", inc.ID, core.ErrPrecondition)
	}
	return err
}

// List returns all indexed incidents.
func (s *RedisStore) List(ctx context.Context) ([]*core.Incident, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %v: %w", err, core.ErrTransient)
	}
	out := make([]*core.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ core.IncidentStore = (*RedisStore)(nil)
