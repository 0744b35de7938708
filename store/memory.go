// Package store provides the incident store backends and the write
// batcher that coalesces bursts of incident updates. All writes are
// optimistic: callers read a version, mutate a copy, and Update fails
// with core.ErrPrecondition when another writer got there first.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// MemoryStore is the in-process incident store. All returned incidents
// are deep copies so callers can never mutate shared state.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*core.Incident
}

// NewMemoryStore creates an empty in-memory incident store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{incidents: make(map[string]*core.Incident)}
}

// Create stores a new incident at version 1.
func (s *MemoryStore) Create(ctx context.Context, inc *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.incidents[inc.ID]; exists {
		return fmt.Errorf("incident %s: %w", inc.ID, core.ErrDuplicate)
	}
	stored := inc.Clone()
	stored.Version = 1
	s.incidents[inc.ID] = stored
	inc.Version = 1
	return nil
}

// Get returns a copy of the incident.
func (s *MemoryStore) Get(ctx context.Context, id string) (*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, core.ErrNotFound)
	}
	return inc.Clone(), nil
}

// Update persists inc when the stored version matches inc.Version.
func (s *MemoryStore) Update(ctx context.Context, inc *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.incidents[inc.ID]
	if !ok {
		return fmt.Errorf("incident %s: %w", inc.ID, core.ErrNotFound)
	}
	if current.Version != inc.Version {
		return fmt.Errorf("incident %s: stored version %d, caller read %d: %w",
			inc.ID, current.Version, inc.Version, core.ErrPrecondition)
	}
	stored := inc.Clone()
	stored.Version = current.Version + 1
	s.incidents[inc.ID] = stored
	inc.Version = stored.Version
	return nil
}

// List returns all incidents ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]*core.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ core.IncidentStore = (*MemoryStore)(nil)
