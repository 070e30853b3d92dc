package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/clock/manual"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/storage/memory"
	"github.com/parjafrica/discovery-engine/internal/store"
)

var t0 = time.Date(2025, 5, 2, 12, 0, 0, 0, time.UTC)

type failingSource struct{}

func (failingSource) ListBots(context.Context) ([]discovery.BotWorker, error) {
	return nil, errors.New("db down")
}

func (failingSource) ListRecentRewards(context.Context, int) ([]discovery.RewardEntry, error) {
	return nil, errors.New("db down")
}

func (failingSource) CountByCountry(context.Context) ([]store.CountryTotals, error) {
	return nil, errors.New("db down")
}

func seededStores(t *testing.T) (*memory.BotStore, *memory.RewardStore, *memory.OpportunityStore) {
	t.Helper()
	ctx := context.Background()
	bots := memory.NewBotStore()
	for _, c := range []string{"Kenya", "Ghana"} {
		_, err := bots.EnsureBot(ctx, discovery.NewBotWorker(c, t0))
		require.NoError(t, err)
	}
	_, err := bots.ApplyRun(ctx, "bot-kenya", discovery.BotRunDelta{At: t0, Succeeded: true, OpportunitiesFound: 2, RewardPoints: 20})
	require.NoError(t, err)

	rewards := memory.NewRewardStore()
	_, _, err = rewards.InsertReward(ctx, discovery.RewardEntry{ID: "r1", BotID: "bot-kenya", RunID: "run-1", Country: "Kenya", OpportunitiesFound: 2, RewardPoints: 20, BonusMultiplier: 1, AwardedAt: t0})
	require.NoError(t, err)

	opps := memory.NewOpportunityStore()
	require.NoError(t, opps.InsertOpportunity(ctx, discovery.OpportunityRecord{
		ID:                   "o1",
		CandidateOpportunity: discovery.CandidateOpportunity{Title: "Grant", Country: "Kenya", ContentHash: "h1"},
		IsVerified:           true,
		IsActive:             true,
		ScrapedAt:            t0,
	}))
	return bots, rewards, opps
}

func TestReportFromRepositories(t *testing.T) {
	t.Parallel()

	bots, rewards, opps := seededStores(t)
	svc, err := New(bots, rewards, opps, manual.New(t0), nil)
	require.NoError(t, err)

	rep := svc.Report(context.Background())
	require.False(t, rep.Degraded)
	require.Empty(t, rep.Failed)
	require.Len(t, rep.Bots, 2)
	kenya := rep.Bots["Kenya"]
	require.Len(t, kenya, 1)
	require.Equal(t, "bot-kenya", kenya[0].ID)
	require.Equal(t, 20, kenya[0].RewardPoints)
	require.Equal(t, 2, kenya[0].OpportunitiesFound)
	require.InDelta(t, 1.0, kenya[0].SuccessRate, 1e-9)
	require.Len(t, rep.RecentRewards, 1)
	require.Equal(t, Totals{TotalOpportunities: 1, TotalVerified: 1}, rep.Totals["Kenya"])
	require.Equal(t, t0, rep.GeneratedAt)
}

func TestReportDegradesPerSection(t *testing.T) {
	t.Parallel()

	bots, _, opps := seededStores(t)
	svc, err := New(bots, failingSource{}, opps, manual.New(t0), nil)
	require.NoError(t, err)

	rep := svc.Report(context.Background())
	require.True(t, rep.Degraded)
	require.Equal(t, []string{SectionRewards}, rep.Failed)
	require.NotNil(t, rep.RecentRewards)
	require.Empty(t, rep.RecentRewards)
	require.Len(t, rep.Bots, 2)
	require.Contains(t, rep.Totals, "Kenya")
}

func TestReportAllSourcesDown(t *testing.T) {
	t.Parallel()

	svc, err := New(failingSource{}, failingSource{}, failingSource{}, manual.New(t0), nil)
	require.NoError(t, err)

	rep := svc.Report(context.Background())
	require.True(t, rep.Degraded)
	require.Equal(t, []string{SectionBots, SectionRewards, SectionTotals}, rep.Failed)
	require.NotNil(t, rep.Bots)
	require.NotNil(t, rep.Totals)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil)
	require.Error(t, err)
}
