package memory

import (
	"context"
	"sync"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

type rewardKey struct {
	botID string
	runID string
}

// RewardStore is an append-only slice of entries with a (bot, run) index.
type RewardStore struct {
	mu      sync.RWMutex
	entries []discovery.RewardEntry
	index   map[rewardKey]int
}

// NewRewardStore constructs an empty RewardStore.
func NewRewardStore() *RewardStore {
	return &RewardStore{index: make(map[rewardKey]int)}
}

// InsertReward appends entry unless (bot, run) already exists.
func (s *RewardStore) InsertReward(_ context.Context, entry discovery.RewardEntry) (discovery.RewardEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rewardKey{botID: entry.BotID, runID: entry.RunID}
	if i, ok := s.index[key]; ok {
		return s.entries[i], false, nil
	}
	s.index[key] = len(s.entries)
	s.entries = append(s.entries, entry)
	return entry, true, nil
}

// LastReward returns the newest entry for the bot.
func (s *RewardStore) LastReward(_ context.Context, botID string) (discovery.RewardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].BotID == botID {
			return s.entries[i], nil
		}
	}
	return discovery.RewardEntry{}, store.ErrNotFound
}

// ListRecentRewards returns up to limit entries, newest first.
func (s *RewardStore) ListRecentRewards(_ context.Context, limit int) ([]discovery.RewardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]discovery.RewardEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}
