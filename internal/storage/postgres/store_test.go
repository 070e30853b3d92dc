package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

var opportunityCols = []string{
	"id", "content_hash", "title", "description", "deadline", "amount_min", "amount_max",
	"currency", "country", "sector", "source_url", "source_name", "application_url", "contact_email",
	"contact_phone", "published_at", "keywords", "target_id", "bot_id", "is_verified",
	"verification_score", "is_active", "snapshot_uri", "scraped_at", "last_verified",
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestInsertOpportunityAccepted(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := discovery.OpportunityRecord{ID: "opp-1", ScrapedAt: time.Unix(1700000000, 0).UTC()}
	rec.ContentHash = "hash-1"

	mock.ExpectQuery("INSERT INTO opportunities").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("opp-1"))

	require.NoError(t, s.InsertOpportunity(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOpportunityConflictReportsDuplicate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := discovery.OpportunityRecord{ID: "opp-2"}
	rec.ContentHash = "hash-1"

	mock.ExpectQuery("INSERT INTO opportunities").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM opportunities WHERE content_hash").
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("opp-1"))

	err := s.InsertOpportunity(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrDuplicate)
	var dup *store.DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "opp-1", dup.ExistingID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetDecodesOptions(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "name", "url", "country", "type", "rate_limit", "priority", "options",
		"is_active", "success_rate", "last_successful_run", "created_at", "updated_at"}
	mock.ExpectQuery("FROM search_targets WHERE id").
		WithArgs("t-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"t-1", "UN Jobs", "https://example.org", "South Sudan", "scraping", 30, 5,
			[]byte(`{"selectors":{"item":"li","title":"a"},"pagination":{"pages":2}}`),
			true, 0.5, nil, now, now,
		))

	got, err := s.GetTarget(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, discovery.TargetTypeScraping, got.Type)
	require.Equal(t, "li", got.Options.Selector(discovery.SelectorItem))
	require.Contains(t, got.Options.Extra, "pagination")
	require.Nil(t, got.LastSuccessfulRun)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM search_targets WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := s.GetTarget(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateTargetOutcomeNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE search_targets").
		WithArgs("missing", 0.4, (*time.Time)(nil), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateTargetOutcome(context.Background(), "missing", 0.4, nil, at)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOpportunitiesBuildsFilter(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	active := true
	scraped := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(true, "Kenya").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY scraped_at DESC").
		WithArgs(true, "Kenya", 20, 0).
		WillReturnRows(pgxmock.NewRows(opportunityCols).AddRow(
			"opp-1", "hash", "Health Grant", "", nil, nil, nil,
			"USD", "Kenya", "", "https://example.org/a", "src", "", "",
			"", nil, []string{}, "t-1", "bot-kenya", true,
			0.8, true, "", scraped, nil,
		))

	recs, total, err := s.ListOpportunities(context.Background(), store.OpportunityFilter{Active: &active, Country: "Kenya"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, recs, 1)
	require.Equal(t, "Health Grant", recs[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedWhere(t *testing.T) {
	t.Parallel()

	verified := false
	minAmount := 5000.0
	where, args := feedWhere(store.OpportunityFilter{Verified: &verified, Sector: "health", MinAmount: &minAmount, Query: "water"})
	require.Equal(t,
		" WHERE is_verified = $1 AND lower(sector) = lower($2) AND COALESCE(amount_max, amount_min) >= $3 AND (title ILIKE $4 OR description ILIKE $4)",
		where)
	require.Equal(t, []any{false, "health", 5000.0, "%water%"}, args)

	where, args = feedWhere(store.OpportunityFilter{SourceName: "Funder Feed", Active: &verified})
	require.Equal(t, " WHERE is_active = $1 AND source_name = $2", where)
	require.Equal(t, []any{false, "Funder Feed"}, args)

	where, args = feedWhere(store.OpportunityFilter{})
	require.Empty(t, where)
	require.Empty(t, args)
}

func TestRecordVerificationCommits(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	update := store.VerificationUpdate{OpportunityID: "opp-1", IsVerified: true, Score: 0.75, IsActive: true, VerifiedAt: at}
	result := discovery.VerificationResult{
		ID: "v-1", OpportunityID: "opp-1", Type: discovery.VerificationScoring,
		Status: discovery.VerificationPass, Score: 0.75, VerifiedAt: at,
		Details: map[string]any{"completeness": 0.4},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE opportunities").
		WithArgs("opp-1", true, 0.75, true, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO opportunity_verifications").
		WithArgs("v-1", "opp-1", "scoring", "pass", 0.75, []byte(`{"completeness":0.4}`), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.RecordVerification(context.Background(), update, []discovery.VerificationResult{result}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordVerificationRollsBackUnknownRecord(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	update := store.VerificationUpdate{OpportunityID: "missing"}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE opportunities").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.RecordVerification(context.Background(), update, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRunReturnsUpdatedBot(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "name", "country", "status", "last_run", "total_opportunities_found", "total_reward_points",
		"error_count", "total_runs", "successful_runs", "success_rate", "created_at", "updated_at"}

	mock.ExpectQuery("UPDATE search_bots SET").
		WithArgs("bot-kenya", 1, 0, 3, 30, now).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"bot-kenya", "Kenya Bot", "Kenya", "active", &now, 3, 30, 0, 1, 1, 1.0, now, now,
		))

	bot, err := s.ApplyRun(context.Background(), "bot-kenya", discovery.BotRunDelta{
		At: now, Succeeded: true, OpportunitiesFound: 3, RewardPoints: 30,
	})
	require.NoError(t, err)
	require.Equal(t, discovery.BotActive, bot.Status)
	require.Equal(t, 30, bot.TotalRewardPoints)
	require.Equal(t, now, *bot.LastRun)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRewardReturnsExistingEntry(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	cols := []string{"id", "bot_id", "run_id", "country", "opportunities_found", "reward_points",
		"bonus_multiplier", "errored", "notes", "awarded_at"}

	mock.ExpectQuery("INSERT INTO bot_rewards").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM bot_rewards WHERE bot_id").
		WithArgs("bot-kenya", "run-4").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("r-1", "bot-kenya", "run-4", "Kenya", 3, 39, 1.3, false, "", at))

	got, created, err := s.InsertReward(context.Background(), discovery.RewardEntry{ID: "r-2", BotID: "bot-kenya", RunID: "run-4"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "r-1", got.ID)
	require.Equal(t, 39, got.RewardPoints)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStatisticsPassesInitialRate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	day := discovery.DateOf(at)
	cols := []string{"date", "country", "source_name", "opportunities_found", "opportunities_verified",
		"success_rate", "response_time_avg_ms", "error_count", "samples", "updated_at"}

	mock.ExpectQuery("INSERT INTO search_statistics").
		WithArgs(day, "Kenya", "src", 4, 2, 0.5, 120.0, 0, at).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(day, "Kenya", "src", 8, 3, 0.375, 110.0, 1, 2, at))

	snap, err := s.UpsertStatistics(context.Background(), discovery.StatSample{
		Date: at, Country: "Kenya", SourceName: "src", Found: 4, Verified: 2, ResponseTimeMs: 120, At: at,
	})
	require.NoError(t, err)
	require.Equal(t, 2, snap.Samples)
	require.InDelta(t, 0.375, snap.SuccessRate, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))
	mock.ExpectPing().WillReturnError(context.DeadlineExceeded)
	require.ErrorIs(t, s.Ping(context.Background()), context.DeadlineExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}
