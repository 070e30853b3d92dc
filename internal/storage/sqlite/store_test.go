package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "discovery.db")})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func ptr[T any](v T) *T { return &v }

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Path: "  "})
	require.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestTargetsUpsertKeepsRunStatistics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	target := discovery.SearchTarget{
		ID: "undp-ss", Name: "UNDP South Sudan", URL: "https://undp.example.org/calls", Country: "South Sudan",
		Type: discovery.TargetTypeScraping, RateLimit: 30, Priority: 8, IsActive: true,
		Options:   discovery.TargetOptions{Selectors: map[string]string{"item": "article.grant"}, Sector: "health"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertTarget(ctx, target))
	require.NoError(t, s.UpsertTarget(ctx, discovery.SearchTarget{
		ID: "rss-ke", Name: "Kenya feed", URL: "https://feeds.example.org/ke.xml", Country: "Kenya",
		Type: discovery.TargetTypeRSS, RateLimit: 10, Priority: 3, IsActive: false, CreatedAt: now, UpdatedAt: now,
	}))

	success := now.Add(time.Hour)
	require.NoError(t, s.UpdateTargetOutcome(ctx, "undp-ss", 0.75, &success, success))
	require.NoError(t, s.UpdateTargetOutcome(ctx, "undp-ss", 0.5, nil, success.Add(time.Hour)))

	target.Priority = 9
	target.UpdatedAt = now.Add(3 * time.Hour)
	require.NoError(t, s.UpsertTarget(ctx, target))

	got, err := s.GetTarget(ctx, "undp-ss")
	require.NoError(t, err)
	require.Equal(t, 9, got.Priority)
	require.InDelta(t, 0.5, got.SuccessRate, 1e-9)
	require.NotNil(t, got.LastSuccessfulRun)
	require.True(t, success.Equal(*got.LastSuccessfulRun))
	require.Equal(t, "article.grant", got.Options.Selectors["item"])
	require.True(t, now.Equal(got.CreatedAt))

	active, err := s.ListTargets(ctx, store.TargetFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)

	all, err := s.ListTargets(ctx, store.TargetFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "undp-ss", all[0].ID)

	kenya, err := s.ListTargets(ctx, store.TargetFilter{Country: "Kenya", IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, kenya, 1)

	require.ErrorIs(t, s.SetTargetActive(ctx, "missing", true, now), store.ErrNotFound)
	_, err = s.GetTarget(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func newRecord(id, hash string, scraped time.Time) discovery.OpportunityRecord {
	rec := discovery.OpportunityRecord{ID: id, IsActive: true, ScrapedAt: scraped}
	rec.ContentHash = hash
	rec.Title = "Community health grant " + id
	rec.Description = "Funding for WASH programmes"
	rec.Country = "South Sudan"
	rec.Sector = "Health"
	rec.Currency = discovery.DefaultCurrency
	rec.SourceURL = "https://undp.example.org/calls/" + id
	rec.SourceName = "UNDP South Sudan"
	rec.Keywords = []string{"grant", "health"}
	return rec
}

func TestInsertOpportunityDeduplicatesByHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	first := newRecord("opp-1", "hash-1", now)
	first.Deadline = ptr(now.AddDate(0, 1, 0))
	first.AmountMax = ptr(25000.0)
	require.NoError(t, s.InsertOpportunity(ctx, first))

	err := s.InsertOpportunity(ctx, newRecord("opp-2", "hash-1", now))
	require.ErrorIs(t, err, store.ErrDuplicate)
	var dup *store.DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "opp-1", dup.ExistingID)

	got, err := s.GetOpportunity(ctx, "opp-1")
	require.NoError(t, err)
	require.Equal(t, []string{"grant", "health"}, got.Keywords)
	require.NotNil(t, got.Deadline)
	require.True(t, first.Deadline.Equal(*got.Deadline))
	require.Nil(t, got.AmountMin)
	require.InDelta(t, 25000.0, *got.AmountMax, 1e-9)
	require.Nil(t, got.LastVerified)

	_, err = s.GetOpportunity(ctx, "opp-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOpportunitiesFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	a := newRecord("opp-a", "hash-a", base)
	a.AmountMax = ptr(5000.0)
	b := newRecord("opp-b", "hash-b", base.Add(time.Minute))
	b.Country = "Kenya"
	b.Title = "Youth innovation fund"
	b.Description = ""
	c := newRecord("opp-c", "hash-c", base.Add(2*time.Minute))
	c.IsActive = false
	for _, rec := range []discovery.OpportunityRecord{a, b, c} {
		require.NoError(t, s.InsertOpportunity(ctx, rec))
	}

	recs, total, err := s.ListOpportunities(ctx, store.OpportunityFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, "opp-c", recs[0].ID)

	recs, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{Active: ptr(true), Country: "south sudan"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "opp-a", recs[0].ID)

	_, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{Query: "INNOVATION"})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	_, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{MinAmount: ptr(1000.0)})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	_, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{SourceName: "UNDP South Sudan"})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	_, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{SourceName: "undp south sudan"})
	require.NoError(t, err)
	require.Zero(t, total)

	recs, total, err = s.ListOpportunities(ctx, store.OpportunityFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, recs, 1)
	require.Equal(t, "opp-b", recs[0].ID)

	counts, err := s.CountByCountry(ctx)
	require.NoError(t, err)
	require.Equal(t, []store.CountryTotals{
		{Country: "Kenya", Total: 1},
		{Country: "South Sudan", Total: 2},
	}, counts)
}

func TestRecordVerificationAndReverificationQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertOpportunity(ctx, newRecord("opp-1", "hash-1", base)))
	require.NoError(t, s.InsertOpportunity(ctx, newRecord("opp-2", "hash-2", base.Add(time.Minute))))

	verifiedAt := base.Add(time.Hour)
	err := s.RecordVerification(ctx, store.VerificationUpdate{
		OpportunityID: "opp-1", IsVerified: true, Score: 0.8, IsActive: true, VerifiedAt: verifiedAt,
	}, []discovery.VerificationResult{{
		ID: "ver-1", OpportunityID: "opp-1", Type: discovery.VerificationScoring,
		Status: discovery.VerificationPass, Score: 0.8, Details: map[string]any{"has_deadline": true},
		VerifiedAt: verifiedAt,
	}})
	require.NoError(t, err)

	results, err := s.ListVerifications(ctx, "opp-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, discovery.VerificationPass, results[0].Status)
	require.Equal(t, true, results[0].Details["has_deadline"])
	require.True(t, verifiedAt.Equal(results[0].VerifiedAt))

	_, err = s.ListVerifications(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.RecordVerification(ctx, store.VerificationUpdate{OpportunityID: "missing", VerifiedAt: verifiedAt},
		[]discovery.VerificationResult{{ID: "ver-x", OpportunityID: "missing", VerifiedAt: verifiedAt}})
	require.ErrorIs(t, err, store.ErrNotFound)

	due, err := s.ListForReverification(ctx, verifiedAt.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "opp-2", due[0].ID)

	due, err = s.ListForReverification(ctx, verifiedAt.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "opp-2", due[0].ID)

	counts, err := s.CountByCountry(ctx)
	require.NoError(t, err)
	require.Equal(t, []store.CountryTotals{{Country: "South Sudan", Total: 2, Verified: 1}}, counts)
}

func TestBotsAndRewards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	bot, err := s.EnsureBot(ctx, discovery.NewBotWorker("South Sudan", now))
	require.NoError(t, err)
	require.Equal(t, "bot-south-sudan", bot.ID)
	require.Nil(t, bot.LastRun)

	again, err := s.EnsureBot(ctx, discovery.NewBotWorker("South Sudan", now.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, now.Equal(again.CreatedAt))

	bot, err = s.ApplyRun(ctx, bot.ID, discovery.BotRunDelta{At: now, Succeeded: true, OpportunitiesFound: 4, RewardPoints: 40})
	require.NoError(t, err)
	bot, err = s.ApplyRun(ctx, bot.ID, discovery.BotRunDelta{At: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, bot.TotalRuns)
	require.Equal(t, 1, bot.SuccessfulRuns)
	require.Equal(t, 1, bot.ErrorCount)
	require.Equal(t, 4, bot.TotalOpportunitiesFound)
	require.Equal(t, 40, bot.TotalRewardPoints)
	require.InDelta(t, 0.5, bot.SuccessRate, 1e-9)
	require.NotNil(t, bot.LastRun)

	_, err = s.ApplyRun(ctx, "bot-missing", discovery.BotRunDelta{At: now})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.SetBotStatus(ctx, bot.ID, discovery.BotPaused, now))
	bots, err := s.ListBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	require.Equal(t, discovery.BotPaused, bots[0].Status)

	entry := discovery.RewardEntry{
		ID: "rw-1", BotID: bot.ID, RunID: "run-1", Country: "South Sudan",
		OpportunitiesFound: 4, RewardPoints: 40, BonusMultiplier: 1, AwardedAt: now,
	}
	stored, created, err := s.InsertReward(ctx, entry)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "rw-1", stored.ID)

	retry := entry
	retry.ID = "rw-2"
	retry.RewardPoints = 99
	stored, created, err = s.InsertReward(ctx, retry)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "rw-1", stored.ID)
	require.Equal(t, 40, stored.RewardPoints)

	last, err := s.LastReward(ctx, bot.ID)
	require.NoError(t, err)
	require.Equal(t, "rw-1", last.ID)
	_, err = s.LastReward(ctx, "bot-missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	recent, err := s.ListRecentRewards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestUpsertStatisticsMatchesMerge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	day := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)

	samples := []discovery.StatSample{
		{Date: day, Country: "Kenya", SourceName: "Kenya feed", Found: 4, Verified: 1, ResponseTimeMs: 300, At: day},
		{Date: day, Country: "Kenya", SourceName: "Kenya feed", Found: 4, Verified: 3, ResponseTimeMs: 100, Errored: true, At: day.Add(time.Hour)},
	}
	var (
		want discovery.StatisticsSnapshot
		got  discovery.StatisticsSnapshot
		err  error
	)
	for _, sample := range samples {
		want = want.Merge(sample)
		got, err = s.UpsertStatistics(ctx, sample)
		require.NoError(t, err)
	}
	require.True(t, want.Date.Equal(got.Date))
	require.Equal(t, want.OpportunitiesFound, got.OpportunitiesFound)
	require.Equal(t, want.OpportunitiesVerified, got.OpportunitiesVerified)
	require.InDelta(t, want.SuccessRate, got.SuccessRate, 1e-9)
	require.InDelta(t, want.ResponseTimeAvgMs, got.ResponseTimeAvgMs, 1e-9)
	require.Equal(t, want.ErrorCount, got.ErrorCount)
	require.Equal(t, 2, got.Samples)

	listed, err := s.ListStatistics(ctx, store.StatsFilter{Date: &day})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	none, err := s.ListStatistics(ctx, store.StatsFilter{Country: "Uganda"})
	require.NoError(t, err)
	require.Empty(t, none)
}
