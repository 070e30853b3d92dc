package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate signals that an opportunity with the same content hash exists.
	ErrDuplicate = errors.New("duplicate content hash")
)

// DuplicateError carries the id of the record that won the insert.
type DuplicateError struct {
	ContentHash string
	ExistingID  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("content hash %s already stored as %s", e.ContentHash, e.ExistingID)
}

// Is matches ErrDuplicate.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// TargetFilter narrows ListTargets.
type TargetFilter struct {
	// Country limits results to one country when non-empty.
	Country string
	// IncludeInactive returns paused targets too (admin views).
	IncludeInactive bool
}

// TargetRepository persists SearchTarget rows.
type TargetRepository interface {
	// ListTargets returns targets ordered by priority desc, then id.
	ListTargets(ctx context.Context, filter TargetFilter) ([]discovery.SearchTarget, error)
	GetTarget(ctx context.Context, id string) (discovery.SearchTarget, error)
	// UpsertTarget inserts or replaces configuration fields. Run statistics
	// (success rate, last successful run) are kept on update.
	UpsertTarget(ctx context.Context, target discovery.SearchTarget) error
	// UpdateTargetOutcome stores the feedback of one run.
	UpdateTargetOutcome(ctx context.Context, id string, successRate float64, lastSuccess *time.Time, at time.Time) error
	SetTargetActive(ctx context.Context, id string, active bool, at time.Time) error
}

// OpportunityFilter narrows the opportunity feed. Nil pointers mean "any".
type OpportunityFilter struct {
	Active   *bool
	Verified *bool
	Country  string
	Sector   string
	// SourceName matches exactly.
	SourceName   string
	DeadlineFrom *time.Time
	DeadlineTo   *time.Time
	MinAmount    *float64
	Query        string
	Limit        int
	Offset       int
}

// CountryTotals aggregates opportunities per country for the status view.
type CountryTotals struct {
	Country  string `json:"country"`
	Total    int    `json:"total_opportunities"`
	Verified int    `json:"total_verified"`
}

// VerificationUpdate is applied to a record together with new audit rows.
type VerificationUpdate struct {
	OpportunityID string
	IsVerified    bool
	Score         float64
	IsActive      bool
	VerifiedAt    time.Time
}

// OpportunityRepository owns OpportunityRecord and VerificationResult rows.
type OpportunityRepository interface {
	// InsertOpportunity atomically inserts the record unless its content hash
	// exists, in which case it returns a *DuplicateError and stores nothing.
	InsertOpportunity(ctx context.Context, rec discovery.OpportunityRecord) error
	// FindByContentHash returns the id stored for hash or ErrNotFound.
	FindByContentHash(ctx context.Context, hash string) (string, error)
	GetOpportunity(ctx context.Context, id string) (discovery.OpportunityRecord, error)
	// ListOpportunities returns one page of matches plus the total match count.
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]discovery.OpportunityRecord, int, error)
	// ListForReverification returns active records that are unverified or were
	// last verified before staleBefore, oldest first.
	ListForReverification(ctx context.Context, staleBefore time.Time, limit int) ([]discovery.OpportunityRecord, error)
	// RecordVerification appends results and applies update in one unit.
	RecordVerification(ctx context.Context, update VerificationUpdate, results []discovery.VerificationResult) error
	ListVerifications(ctx context.Context, opportunityID string) ([]discovery.VerificationResult, error)
	// CountByCountry returns totals for every country with at least one record.
	CountByCountry(ctx context.Context) ([]CountryTotals, error)
}

// BotRepository persists BotWorker rows.
type BotRepository interface {
	// EnsureBot inserts bot when its id is unknown and returns the stored row.
	EnsureBot(ctx context.Context, bot discovery.BotWorker) (discovery.BotWorker, error)
	GetBot(ctx context.Context, id string) (discovery.BotWorker, error)
	ListBots(ctx context.Context) ([]discovery.BotWorker, error)
	// ApplyRun adds one run's counters atomically and returns the new row.
	ApplyRun(ctx context.Context, botID string, delta discovery.BotRunDelta) (discovery.BotWorker, error)
	SetBotStatus(ctx context.Context, id string, status discovery.BotStatus, at time.Time) error
}

// RewardRepository persists the append-only reward ledger.
type RewardRepository interface {
	// InsertReward stores entry unless (bot, run) already has one. It returns
	// the stored row and whether this call created it.
	InsertReward(ctx context.Context, entry discovery.RewardEntry) (discovery.RewardEntry, bool, error)
	// LastReward returns the most recent entry for botID or ErrNotFound.
	LastReward(ctx context.Context, botID string) (discovery.RewardEntry, error)
	ListRecentRewards(ctx context.Context, limit int) ([]discovery.RewardEntry, error)
}

// StatsFilter narrows ListStatistics.
type StatsFilter struct {
	Date    *time.Time
	Country string
	Limit   int
}

// StatsRepository persists per (date, country, source) snapshots.
type StatsRepository interface {
	// UpsertStatistics merges sample into its snapshot atomically.
	UpsertStatistics(ctx context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error)
	ListStatistics(ctx context.Context, filter StatsFilter) ([]discovery.StatisticsSnapshot, error)
}
