// Package scoring computes the deterministic trust score of a candidate
// opportunity. The score depends only on the candidate, the source's success
// rate and the injected clock.
package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// Component weights. They sum to 1.
const (
	weightField     = 0.10
	weightTrust     = 0.30
	weightDeadline  = 0.10
	weightRecency   = 0.10
	weightEmail     = 0.05
	weightReachable = 0.05
)

const (
	cappedScore       = 0.59
	recencyFalloff    = 6
	suspiciousHorizon = 730 * 24 * time.Hour
	unusualHorizon    = 365 * 24 * time.Hour
)

// Defaults for Config.
const (
	DefaultThreshold       = 0.6
	DefaultFreshnessWindow = 30 * 24 * time.Hour
)

// relevanceKeywords are reported in the details only; they never move the
// score.
var relevanceKeywords = []string{
	"grant", "funding", "opportunity", "application", "proposal",
	"award", "fellowship", "scholarship", "call", "tender",
}

// Config tunes the scorer.
type Config struct {
	Threshold       float64
	FreshnessWindow time.Duration
}

// Scorer scores candidates.
type Scorer struct {
	cfg   Config
	clock discovery.Clock
}

// Result is the outcome of one scoring pass.
type Result struct {
	Score      float64
	IsVerified bool
	Missing    []string
	Details    map[string]any
}

// Status maps the result onto a verification status.
func (r Result) Status() discovery.VerificationStatus {
	if r.IsVerified {
		return discovery.VerificationPass
	}
	return discovery.VerificationFail
}

// New returns a Scorer, filling zero config values with defaults.
func New(cfg Config, clock discovery.Clock) (*Scorer, error) {
	if clock == nil {
		return nil, fmt.Errorf("scoring: clock is required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("scoring: threshold %.2f outside (0,1]", cfg.Threshold)
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	return &Scorer{cfg: cfg, clock: clock}, nil
}

// Score rates c given the current success rate of its source. Candidates
// without a title or source URL cannot be scored and yield ErrScoring.
func (s *Scorer) Score(c discovery.CandidateOpportunity, successRate float64) (Result, error) {
	if strings.TrimSpace(c.Title) == "" {
		return Result{}, fmt.Errorf("%w: missing title", discovery.ErrScoring)
	}
	if strings.TrimSpace(c.SourceURL) == "" {
		return Result{}, fmt.Errorf("%w: missing source url", discovery.ErrScoring)
	}
	now := s.clock.Now()

	var missing []string
	completeness := 2 * weightField
	if c.Deadline != nil {
		completeness += weightField
	} else {
		missing = append(missing, "deadline")
	}
	if c.HasAmount() {
		completeness += weightField
	} else {
		missing = append(missing, "amount")
	}

	trust := weightTrust * clamp01(successRate)

	freshness := 0.0
	if c.Deadline != nil && c.Deadline.After(now) {
		freshness += weightDeadline
	}
	freshness += weightRecency * s.recency(c.PublishedAt, now)

	contact := 0.0
	if c.ContactEmail != "" {
		contact += weightEmail
	}
	if c.ContactPhone != "" || c.ApplicationURL != "" {
		contact += weightReachable
	}

	score := round4(completeness + trust + freshness + contact)
	if len(missing) > 0 && score > cappedScore {
		score = cappedScore
	}

	matched := relevance(c.Title + " " + c.Description)
	details := map[string]any{
		"completeness":       round4(completeness),
		"trust":              round4(trust),
		"freshness":          round4(freshness),
		"contact":            round4(contact),
		"relevance":          round4(float64(len(matched)) / float64(len(relevanceKeywords))),
		"relevance_keywords": matched,
		"deadline_horizon":   horizon(c.Deadline, now),
	}
	if len(missing) > 0 {
		details["missing"] = missing
	}

	return Result{
		Score:      score,
		IsVerified: len(missing) == 0 && score >= s.cfg.Threshold,
		Missing:    missing,
		Details:    details,
	}, nil
}

// DeadlineCheck evaluates the deadline on its own for re-verification audits.
func (s *Scorer) DeadlineCheck(deadline *time.Time) (discovery.VerificationStatus, float64, map[string]any) {
	now := s.clock.Now()
	details := map[string]any{"deadline_horizon": horizon(deadline, now)}
	if deadline == nil {
		return discovery.VerificationInconclusive, 0, details
	}
	remaining := deadline.Sub(now)
	details["days_remaining"] = int(remaining.Hours() / 24)
	switch {
	case remaining <= 0:
		return discovery.VerificationFail, 0, details
	case remaining > suspiciousHorizon:
		return discovery.VerificationInconclusive, 0.3, details
	case remaining > unusualHorizon:
		return discovery.VerificationPass, 0.7, details
	default:
		return discovery.VerificationPass, 1, details
	}
}

// recency is 1 inside the freshness window and falls linearly to 0 at six
// windows. An unknown publication date scores 0.
func (s *Scorer) recency(published *time.Time, now time.Time) float64 {
	if published == nil {
		return 0
	}
	age := now.Sub(*published)
	window := s.cfg.FreshnessWindow
	if age <= window {
		return 1
	}
	limit := window * recencyFalloff
	if age >= limit {
		return 0
	}
	return 1 - float64(age-window)/float64(limit-window)
}

func horizon(deadline *time.Time, now time.Time) string {
	if deadline == nil {
		return "unknown"
	}
	remaining := deadline.Sub(now)
	switch {
	case remaining <= 0:
		return "passed"
	case remaining > suspiciousHorizon:
		return "suspicious"
	case remaining > unusualHorizon:
		return "unusual"
	default:
		return "normal"
	}
}

func relevance(text string) []string {
	lower := strings.ToLower(text)
	matched := make([]string, 0, len(relevanceKeywords))
	for _, k := range relevanceKeywords {
		if strings.Contains(lower, k) {
			matched = append(matched, k)
		}
	}
	return matched
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
