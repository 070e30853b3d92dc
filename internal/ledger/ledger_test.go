package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/clock/manual"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/storage/memory"
	"github.com/parjafrica/discovery-engine/internal/store"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("rw-%d", s.n.Add(1)), nil
}

func newLedger(t *testing.T, repo store.RewardRepository) *Ledger {
	t.Helper()
	l, err := New(repo, &seqIDs{}, manual.New(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), nil)
	require.NoError(t, err)
	return l
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &seqIDs{}, manual.New(time.Now()), nil)
	require.Error(t, err)
}

func TestAwardStreakReachesThirtyNinePoints(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.NewRewardStore())
	ctx := context.Background()
	wantPoints := []int{30, 33, 36, 39}
	wantMult := []float64{1.0, 1.1, 1.2, 1.3}
	for i := range wantPoints {
		entry, created, err := l.Award(ctx, Award{BotID: "bot-kenya", RunID: fmt.Sprintf("run-%d", i), Country: "Kenya", OpportunitiesFound: 3})
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, wantPoints[i], entry.RewardPoints, "run %d", i)
		require.InDelta(t, wantMult[i], entry.BonusMultiplier, 1e-9)
	}
	next, err := l.Multiplier(ctx, "bot-kenya")
	require.NoError(t, err)
	require.InDelta(t, 1.4, next, 1e-9)
}

func TestAwardCapsMultiplierAtTwo(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.NewRewardStore())
	ctx := context.Background()
	var last discovery.RewardEntry
	for i := 0; i < 15; i++ {
		entry, _, err := l.Award(ctx, Award{BotID: "b", RunID: fmt.Sprintf("r%d", i), OpportunitiesFound: 1})
		require.NoError(t, err)
		last = entry
	}
	require.InDelta(t, 2.0, last.BonusMultiplier, 1e-9)
	require.Equal(t, 20, last.RewardPoints)
}

func TestAwardResetsAfterEmptyOrErroredRun(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.NewRewardStore())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := l.Award(ctx, Award{BotID: "b", RunID: fmt.Sprintf("a%d", i), OpportunitiesFound: 2})
		require.NoError(t, err)
	}

	empty, _, err := l.Award(ctx, Award{BotID: "b", RunID: "empty", OpportunitiesFound: 0})
	require.NoError(t, err)
	require.Zero(t, empty.RewardPoints)
	require.InDelta(t, 1.0, empty.BonusMultiplier, 1e-9)

	after, _, err := l.Award(ctx, Award{BotID: "b", RunID: "after-empty", OpportunitiesFound: 2})
	require.NoError(t, err)
	require.Equal(t, 20, after.RewardPoints)

	failed, _, err := l.Award(ctx, Award{BotID: "b", RunID: "failed", OpportunitiesFound: 4, Errored: true})
	require.NoError(t, err)
	require.Zero(t, failed.RewardPoints)
	require.True(t, failed.Errored)

	again, _, err := l.Award(ctx, Award{BotID: "b", RunID: "after-error", OpportunitiesFound: 1})
	require.NoError(t, err)
	require.Equal(t, 10, again.RewardPoints)
}

func TestAwardIsIdempotentPerRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewRewardStore()
	l := newLedger(t, repo)
	ctx := context.Background()

	first, created, err := l.Award(ctx, Award{BotID: "b", RunID: "r1", OpportunitiesFound: 3})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := l.Award(ctx, Award{BotID: "b", RunID: "r1", OpportunitiesFound: 3})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, second)

	recent, err := repo.ListRecentRewards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestAwardConcurrentRetriesCreateOneEntry(t *testing.T) {
	t.Parallel()

	repo := memory.NewRewardStore()
	l := newLedger(t, repo)
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Award(ctx, Award{BotID: "b", RunID: "same", OpportunitiesFound: 1})
			if err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), created.Load())
}

func TestAwardValidationAndErrors(t *testing.T) {
	t.Parallel()

	l := newLedger(t, memory.NewRewardStore())
	ctx := context.Background()
	_, _, err := l.Award(ctx, Award{RunID: "r"})
	require.Error(t, err)
	_, _, err = l.Award(ctx, Award{BotID: "b", RunID: "r", OpportunitiesFound: -1})
	require.Error(t, err)

	boom := errors.New("db down")
	l = newLedger(t, failingRepo{err: boom})
	_, _, err = l.Award(ctx, Award{BotID: "b", RunID: "r"})
	require.ErrorIs(t, err, boom)
}

type failingRepo struct{ err error }

func (f failingRepo) InsertReward(context.Context, discovery.RewardEntry) (discovery.RewardEntry, bool, error) {
	return discovery.RewardEntry{}, false, f.err
}

func (f failingRepo) LastReward(context.Context, string) (discovery.RewardEntry, error) {
	return discovery.RewardEntry{}, f.err
}

func (f failingRepo) ListRecentRewards(context.Context, int) ([]discovery.RewardEntry, error) {
	return nil, f.err
}
