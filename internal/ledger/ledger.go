// Package ledger awards scheduling credit to bots. Every run produces exactly
// one RewardEntry keyed by (bot, run); repeated awards for the same run return
// the stored entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// Multipliers are tracked in tenths so points stay integral.
const (
	basePointsTenths = 10
	maxBonusTenths   = 20
	stepTenths       = 1
)

// Award describes one finished run.
type Award struct {
	BotID              string
	RunID              string
	Country            string
	OpportunitiesFound int
	Errored            bool
	Notes              string
}

// Ledger computes and stores reward entries.
type Ledger struct {
	repo   store.RewardRepository
	ids    discovery.IDGenerator
	clock  discovery.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Ledger.
func New(repo store.RewardRepository, ids discovery.IDGenerator, clock discovery.Clock, logger *zap.Logger) (*Ledger, error) {
	if repo == nil || ids == nil || clock == nil {
		return nil, errors.New("ledger: repository, id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:   repo,
		ids:    ids,
		clock:  clock,
		logger: logger.Named("ledger"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Award records the reward for a run. created is false when the run had
// already been awarded, in which case the stored entry is returned unchanged
// and the caller must not add its points to the bot again.
func (l *Ledger) Award(ctx context.Context, a Award) (discovery.RewardEntry, bool, error) {
	if strings.TrimSpace(a.BotID) == "" || strings.TrimSpace(a.RunID) == "" {
		return discovery.RewardEntry{}, false, errors.New("award: bot id and run id are required")
	}
	if a.OpportunitiesFound < 0 {
		return discovery.RewardEntry{}, false, fmt.Errorf("award: negative opportunity count %d", a.OpportunitiesFound)
	}

	// Serialise per bot so the streak is read and extended atomically.
	lock := l.botLock(a.BotID)
	lock.Lock()
	defer lock.Unlock()

	prevTenths, prevProductive, err := l.previous(ctx, a.BotID)
	if err != nil {
		return discovery.RewardEntry{}, false, err
	}

	entry := discovery.RewardEntry{
		BotID:              a.BotID,
		RunID:              a.RunID,
		Country:            a.Country,
		OpportunitiesFound: a.OpportunitiesFound,
		Errored:            a.Errored,
		Notes:              a.Notes,
		AwardedAt:          l.clock.Now(),
	}
	tenths := basePointsTenths
	if entry.Productive() {
		if prevProductive {
			tenths = min(prevTenths+stepTenths, maxBonusTenths)
		}
		entry.RewardPoints = a.OpportunitiesFound * tenths
	}
	entry.BonusMultiplier = float64(tenths) / 10

	id, err := l.ids.NewID()
	if err != nil {
		return discovery.RewardEntry{}, false, fmt.Errorf("generate reward id: %w", err)
	}
	entry.ID = id

	stored, created, err := l.repo.InsertReward(ctx, entry)
	if err != nil {
		return discovery.RewardEntry{}, false, fmt.Errorf("insert reward: %w", err)
	}
	if !created {
		l.logger.Info("reward already recorded for run",
			zap.String("bot_id", a.BotID),
			zap.String("run_id", a.RunID),
			zap.String("reward_id", stored.ID),
		)
	}
	return stored, created, nil
}

// Multiplier returns the bonus multiplier the next productive run of botID
// would earn.
func (l *Ledger) Multiplier(ctx context.Context, botID string) (float64, error) {
	prevTenths, prevProductive, err := l.previous(ctx, botID)
	if err != nil {
		return 0, err
	}
	if !prevProductive {
		return 1, nil
	}
	return float64(min(prevTenths+stepTenths, maxBonusTenths)) / 10, nil
}

func (l *Ledger) previous(ctx context.Context, botID string) (int, bool, error) {
	last, err := l.repo.LastReward(ctx, botID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return basePointsTenths, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("load last reward: %w", err)
	}
	tenths := int(math.Round(last.BonusMultiplier * 10))
	if tenths < basePointsTenths {
		tenths = basePointsTenths
	}
	return tenths, last.Productive(), nil
}

func (l *Ledger) botLock(botID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[botID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[botID] = m
	}
	return m
}
