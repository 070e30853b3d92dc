package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

type statsKey struct {
	date    time.Time
	country string
	source  string
}

// StatsStore keeps one snapshot per (date, country, source).
type StatsStore struct {
	mu        sync.RWMutex
	snapshots map[statsKey]discovery.StatisticsSnapshot
}

// NewStatsStore constructs an empty StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{snapshots: make(map[statsKey]discovery.StatisticsSnapshot)}
}

// UpsertStatistics merges sample into its snapshot.
func (s *StatsStore) UpsertStatistics(_ context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error) {
	key := statsKey{date: discovery.DateOf(sample.Date), country: sample.Country, source: sample.SourceName}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshots[key].Merge(sample)
	s.snapshots[key] = snap
	return snap, nil
}

// ListStatistics returns snapshots newest date first, then country and source.
func (s *StatsStore) ListStatistics(_ context.Context, filter store.StatsFilter) ([]discovery.StatisticsSnapshot, error) {
	s.mu.RLock()
	out := make([]discovery.StatisticsSnapshot, 0, len(s.snapshots))
	for key, snap := range s.snapshots {
		if filter.Date != nil && !key.date.Equal(discovery.DateOf(*filter.Date)) {
			continue
		}
		if filter.Country != "" && key.country != filter.Country {
			continue
		}
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		return a.SourceName < b.SourceName
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
