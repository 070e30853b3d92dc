package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// BotStore keeps BotWorkers in a map.
type BotStore struct {
	mu   sync.RWMutex
	bots map[string]discovery.BotWorker
}

// NewBotStore constructs an empty BotStore.
func NewBotStore() *BotStore {
	return &BotStore{bots: make(map[string]discovery.BotWorker)}
}

// EnsureBot inserts bot if its id is new and returns the stored row.
func (s *BotStore) EnsureBot(_ context.Context, bot discovery.BotWorker) (discovery.BotWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bots[bot.ID]; ok {
		return existing, nil
	}
	s.bots[bot.ID] = bot
	return bot, nil
}

// GetBot returns one bot.
func (s *BotStore) GetBot(_ context.Context, id string) (discovery.BotWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[id]
	if !ok {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	return bot, nil
}

// ListBots returns all bots ordered by country then id.
func (s *BotStore) ListBots(_ context.Context) ([]discovery.BotWorker, error) {
	s.mu.RLock()
	out := make([]discovery.BotWorker, 0, len(s.bots))
	for _, b := range s.bots {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyRun adds delta to the bot's counters.
func (s *BotStore) ApplyRun(_ context.Context, botID string, delta discovery.BotRunDelta) (discovery.BotWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	bot = bot.ApplyRun(delta)
	s.bots[botID] = bot
	return bot, nil
}

// SetBotStatus updates the bot status.
func (s *BotStore) SetBotStatus(_ context.Context, id string, status discovery.BotStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return store.ErrNotFound
	}
	bot.Status = status
	bot.UpdatedAt = at
	s.bots[id] = bot
	return nil
}
