// Package memory provides in-process repositories for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// TargetStore keeps SearchTargets in a map.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]discovery.SearchTarget
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]discovery.SearchTarget)}
}

// ListTargets returns matching targets by priority desc, then id.
func (s *TargetStore) ListTargets(_ context.Context, filter store.TargetFilter) ([]discovery.SearchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.SearchTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if !filter.IncludeInactive && !t.IsActive {
			continue
		}
		if filter.Country != "" && t.Country != filter.Country {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetTarget returns one target or store.ErrNotFound.
func (s *TargetStore) GetTarget(_ context.Context, id string) (discovery.SearchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return discovery.SearchTarget{}, store.ErrNotFound
	}
	return t, nil
}

// UpsertTarget inserts or replaces configuration, keeping run statistics.
func (s *TargetStore) UpsertTarget(_ context.Context, target discovery.SearchTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.targets[target.ID]; ok {
		target.SuccessRate = existing.SuccessRate
		target.LastSuccessfulRun = existing.LastSuccessfulRun
		target.CreatedAt = existing.CreatedAt
	}
	s.targets[target.ID] = target
	return nil
}

// UpdateTargetOutcome stores run feedback.
func (s *TargetStore) UpdateTargetOutcome(
	_ context.Context,
	id string,
	successRate float64,
	lastSuccess *time.Time,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.SuccessRate = successRate
	if lastSuccess != nil {
		t.LastSuccessfulRun = pointerTime(*lastSuccess)
	}
	t.UpdatedAt = at
	s.targets[id] = t
	return nil
}

// SetTargetActive flips the active flag.
func (s *TargetStore) SetTargetActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = active
	t.UpdatedAt = at
	s.targets[id] = t
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
