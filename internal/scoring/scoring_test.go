package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parjafrica/discovery-engine/internal/clock/manual"
	"github.com/parjafrica/discovery-engine/internal/discovery"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(Config{}, manual.New(now))
	require.NoError(t, err)
	return s
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrFloat(v float64) *float64    { return &v }

func complete() discovery.CandidateOpportunity {
	return discovery.CandidateOpportunity{
		Title:        "Open call for health research grants",
		SourceURL:    "https://grants.example.org/health",
		Deadline:     ptrTime(now.Add(30 * 24 * time.Hour)),
		AmountMin:    ptrFloat(10000),
		AmountMax:    ptrFloat(50000),
		PublishedAt:  ptrTime(now.Add(-24 * time.Hour)),
		ContactEmail: "grants@example.org",
		ContactPhone: "+254 20 123 4567",
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Threshold: 1.5}, manual.New(now))
	require.Error(t, err)

	s := newScorer(t)
	require.Equal(t, DefaultThreshold, s.cfg.Threshold)
	require.Equal(t, DefaultFreshnessWindow, s.cfg.FreshnessWindow)
}

func TestScorePerfectCandidate(t *testing.T) {
	t.Parallel()

	res, err := newScorer(t).Score(complete(), 1)
	require.NoError(t, err)
	require.Equal(t, 1.0, res.Score)
	require.True(t, res.IsVerified)
	require.Empty(t, res.Missing)
	require.Equal(t, discovery.VerificationPass, res.Status())
	require.Equal(t, "normal", res.Details["deadline_horizon"])
	require.Equal(t, []string{"grant", "call"}, res.Details["relevance_keywords"])
}

func TestScoreMissingDeadlineIsCapped(t *testing.T) {
	t.Parallel()

	c := complete()
	c.Deadline = nil
	res, err := newScorer(t).Score(c, 1)
	require.NoError(t, err)
	require.Equal(t, 0.59, res.Score)
	require.False(t, res.IsVerified)
	require.Equal(t, []string{"deadline"}, res.Missing)
	require.Equal(t, discovery.VerificationFail, res.Status())
}

func TestScoreMalformed(t *testing.T) {
	t.Parallel()

	s := newScorer(t)
	c := complete()
	c.Title = "  "
	_, err := s.Score(c, 1)
	require.ErrorIs(t, err, discovery.ErrScoring)

	c = complete()
	c.SourceURL = ""
	_, err = s.Score(c, 1)
	require.ErrorIs(t, err, discovery.ErrScoring)
}

func TestScoreComponents(t *testing.T) {
	t.Parallel()

	s := newScorer(t)
	cases := map[string]struct {
		mutate   func(*discovery.CandidateOpportunity)
		rate     float64
		want     float64
		verified bool
	}{
		"half trust": {func(*discovery.CandidateOpportunity) {}, 0.5, 0.85, true},
		"no contact, no trust": {func(c *discovery.CandidateOpportunity) {
			c.ContactEmail, c.ContactPhone = "", ""
		}, 0, 0.6, true},
		"application url counts as reachable": {func(c *discovery.CandidateOpportunity) {
			c.ContactEmail, c.ContactPhone, c.ApplicationURL = "", "", "https://apply.example.org"
		}, 0, 0.65, true},
		"past deadline": {func(c *discovery.CandidateOpportunity) {
			c.Deadline = ptrTime(now.Add(-time.Hour))
		}, 0, 0.6, true},
		"stale publication": {func(c *discovery.CandidateOpportunity) {
			c.PublishedAt = ptrTime(now.Add(-365 * 24 * time.Hour))
		}, 0, 0.6, true},
		"half decayed publication": {func(c *discovery.CandidateOpportunity) {
			c.PublishedAt = ptrTime(now.Add(-105 * 24 * time.Hour))
		}, 0, 0.65, true},
		"rate clamped": {func(*discovery.CandidateOpportunity) {}, 7, 1, true},
		"below threshold": {func(c *discovery.CandidateOpportunity) {
			c.ContactEmail, c.ContactPhone, c.PublishedAt = "", "", nil
			c.Deadline = ptrTime(now.Add(-time.Hour))
		}, 0, 0.4, false},
	}
	for name, tc := range cases {
		c := complete()
		tc.mutate(&c)
		res, err := s.Score(c, tc.rate)
		require.NoError(t, err, name)
		require.InDelta(t, tc.want, res.Score, 1e-9, name)
		require.Equal(t, tc.verified, res.IsVerified, name)
	}
}

func TestScoreMonotonicInRequiredFields(t *testing.T) {
	t.Parallel()

	s := newScorer(t)
	for _, rate := range []float64{0, 0.3, 0.7, 1} {
		for mask := 0; mask < 4; mask++ {
			base := complete()
			if mask&1 == 0 {
				base.Deadline = nil
			}
			if mask&2 == 0 {
				base.AmountMin, base.AmountMax = nil, nil
			}
			before, err := s.Score(base, rate)
			require.NoError(t, err)

			withDeadline := base
			withDeadline.Deadline = complete().Deadline
			after, err := s.Score(withDeadline, rate)
			require.NoError(t, err)
			require.GreaterOrEqual(t, after.Score, before.Score)

			withAmount := base
			withAmount.AmountMax = ptrFloat(100)
			after, err = s.Score(withAmount, rate)
			require.NoError(t, err)
			require.GreaterOrEqual(t, after.Score, before.Score)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	s := newScorer(t)
	first, err := s.Score(complete(), 0.42)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Score(complete(), 0.42)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDeadlineCheck(t *testing.T) {
	t.Parallel()

	s := newScorer(t)
	day := 24 * time.Hour
	cases := []struct {
		deadline *time.Time
		status   discovery.VerificationStatus
		score    float64
		horizon  string
	}{
		{nil, discovery.VerificationInconclusive, 0, "unknown"},
		{ptrTime(now.Add(-day)), discovery.VerificationFail, 0, "passed"},
		{ptrTime(now.Add(800 * day)), discovery.VerificationInconclusive, 0.3, "suspicious"},
		{ptrTime(now.Add(400 * day)), discovery.VerificationPass, 0.7, "unusual"},
		{ptrTime(now.Add(10 * day)), discovery.VerificationPass, 1, "normal"},
	}
	for _, tc := range cases {
		status, score, details := s.DeadlineCheck(tc.deadline)
		require.Equal(t, tc.status, status)
		require.Equal(t, tc.score, score)
		require.Equal(t, tc.horizon, details["deadline_horizon"])
	}
}
