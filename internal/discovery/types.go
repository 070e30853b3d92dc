package discovery

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// TargetType selects how a target is fetched and how its content is extracted.
type TargetType string

// Supported target types.
const (
	TargetTypeAPI      TargetType = "api"
	TargetTypeScraping TargetType = "scraping"
	TargetTypeRSS      TargetType = "rss"
	TargetTypeHeadless TargetType = "headless"
)

// Defaults applied to targets that leave the fields unset.
const (
	DefaultRateLimit = 30
	DefaultPriority  = 5
	DefaultCurrency  = "USD"
)

// ParseTargetType normalizes a configured type name. "playwright" is accepted
// as an alias of headless.
func ParseTargetType(raw string) (TargetType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(TargetTypeScraping):
		return TargetTypeScraping, nil
	case string(TargetTypeAPI):
		return TargetTypeAPI, nil
	case string(TargetTypeRSS):
		return TargetTypeRSS, nil
	case string(TargetTypeHeadless), "playwright":
		return TargetTypeHeadless, nil
	default:
		return "", fmt.Errorf("%w: unknown target type %q", ErrConfig, raw)
	}
}

// SearchTarget is a configured source to crawl.
type SearchTarget struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	URL               string        `json:"url" yaml:"url"`
	Country           string        `json:"country" yaml:"country"`
	Type              TargetType    `json:"type" yaml:"type"`
	RateLimit         int           `json:"rate_limit" yaml:"rate_limit"`
	Priority          int           `json:"priority" yaml:"priority"`
	Options           TargetOptions `json:"options" yaml:"options"`
	IsActive          bool          `json:"is_active" yaml:"is_active"`
	SuccessRate       float64       `json:"success_rate" yaml:"-"`
	LastSuccessfulRun *time.Time    `json:"last_successful_run,omitempty" yaml:"-"`
	CreatedAt         time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time     `json:"updated_at" yaml:"-"`
}

// ApplyDefaults fills in unset rate limit, priority and type.
func (t *SearchTarget) ApplyDefaults() {
	if t.RateLimit == 0 {
		t.RateLimit = DefaultRateLimit
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Type == "" {
		t.Type = TargetTypeScraping
	}
}

// Validate reports a wrapped ErrConfig when the target cannot be crawled.
func (t SearchTarget) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrConfig)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: target %s: name is required", ErrConfig, t.ID)
	}
	if strings.TrimSpace(t.Country) == "" {
		return fmt.Errorf("%w: target %s: country is required", ErrConfig, t.ID)
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target %s: url %q must be absolute http(s)", ErrConfig, t.ID, t.URL)
	}
	if _, err := ParseTargetType(string(t.Type)); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	if t.RateLimit <= 0 {
		return fmt.Errorf("%w: target %s: rate_limit must be > 0", ErrConfig, t.ID)
	}
	if t.SuccessRate < 0 || t.SuccessRate > 1 {
		return fmt.Errorf("%w: target %s: success_rate must be within [0,1]", ErrConfig, t.ID)
	}
	if err := t.Options.validateFor(t.Type); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	return nil
}

// RawOpportunity is one item as pulled out of a page by an Extractor, before
// any normalization.
type RawOpportunity struct {
	Title       string
	Description string
	Deadline    string
	Amount      string
	Link        string
	Contact     string
	Sector      string
	Published   string
}

// CandidateOpportunity is a normalized, not yet persisted opportunity.
type CandidateOpportunity struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	AmountMin      *float64   `json:"amount_min,omitempty"`
	AmountMax      *float64   `json:"amount_max,omitempty"`
	Currency       string     `json:"currency"`
	Country        string     `json:"country"`
	Sector         string     `json:"sector,omitempty"`
	SourceURL      string     `json:"source_url"`
	SourceName     string     `json:"source_name"`
	ApplicationURL string     `json:"application_url,omitempty"`
	ContactEmail   string     `json:"contact_email,omitempty"`
	ContactPhone   string     `json:"contact_phone,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	Keywords       []string   `json:"keywords,omitempty"`
	ContentHash    string     `json:"content_hash"`
	TargetID       string     `json:"target_id"`
	BotID          string     `json:"bot_id"`
}

// HasAmount reports whether at least one bound of the amount range is known.
func (c CandidateOpportunity) HasAmount() bool {
	return c.AmountMin != nil || c.AmountMax != nil
}

// OpportunityRecord is the persisted form of an accepted candidate.
type OpportunityRecord struct {
	ID string `json:"id"`
	CandidateOpportunity
	IsVerified        bool       `json:"is_verified"`
	VerificationScore float64    `json:"verification_score"`
	IsActive          bool       `json:"is_active"`
	SnapshotURI       string     `json:"snapshot_uri,omitempty"`
	ScrapedAt         time.Time  `json:"scraped_at"`
	LastVerified      *time.Time `json:"last_verified,omitempty"`
}

// VerificationType names the kind of check a VerificationResult records.
type VerificationType string

// Verification types.
const (
	VerificationScoring    VerificationType = "scoring"
	VerificationDeadline   VerificationType = "deadline_validation"
	VerificationContent    VerificationType = "content_analysis"
	VerificationDuplicates VerificationType = "duplicate_check"
)

// VerificationStatus is the outcome of one check.
type VerificationStatus string

// Verification statuses.
const (
	VerificationPass         VerificationStatus = "pass"
	VerificationFail         VerificationStatus = "fail"
	VerificationInconclusive VerificationStatus = "inconclusive"
)

// VerificationResult is an append-only audit row for one verification pass.
type VerificationResult struct {
	ID            string             `json:"id"`
	OpportunityID string             `json:"opportunity_id"`
	Type          VerificationType   `json:"verification_type"`
	Status        VerificationStatus `json:"status"`
	Score         float64            `json:"score"`
	Details       map[string]any     `json:"details,omitempty"`
	VerifiedAt    time.Time          `json:"verified_at"`
}

// BotStatus is the operational state of a bot.
type BotStatus string

// Bot statuses.
const (
	BotActive      BotStatus = "active"
	BotPaused      BotStatus = "paused"
	BotError       BotStatus = "error"
	BotMaintenance BotStatus = "maintenance"
)

// BotWorker is the scheduling identity for one country's targets.
type BotWorker struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	Country                 string     `json:"country"`
	Status                  BotStatus  `json:"status"`
	LastRun                 *time.Time `json:"last_run,omitempty"`
	TotalOpportunitiesFound int        `json:"opportunities_found"`
	TotalRewardPoints       int        `json:"reward_points"`
	ErrorCount              int        `json:"error_count"`
	TotalRuns               int        `json:"total_runs"`
	SuccessfulRuns          int        `json:"successful_runs"`
	SuccessRate             float64    `json:"success_rate"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// BotIDForCountry derives the stable bot id for a country, e.g. "bot-south-sudan".
func BotIDForCountry(country string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(country), "-"), "-")
	if slug == "" {
		slug = "global"
	}
	return "bot-" + slug
}

// NewBotWorker returns an active bot with zeroed counters for the country.
func NewBotWorker(country string, now time.Time) BotWorker {
	name := strings.TrimSpace(country)
	if name == "" {
		name = "Global"
	}
	return BotWorker{
		ID:        BotIDForCountry(country),
		Name:      name + " Bot",
		Country:   country,
		Status:    BotActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RewardEntry is an append-only ledger row, unique per (bot, run).
type RewardEntry struct {
	ID                 string    `json:"id"`
	BotID              string    `json:"bot_id"`
	RunID              string    `json:"run_id"`
	Country            string    `json:"country"`
	OpportunitiesFound int       `json:"opportunities_found"`
	RewardPoints       int       `json:"reward_points"`
	BonusMultiplier    float64   `json:"bonus_multiplier"`
	Errored            bool      `json:"errored"`
	Notes              string    `json:"notes,omitempty"`
	AwardedAt          time.Time `json:"awarded_at"`
}

// Productive reports whether the run extends the bot's bonus streak.
func (e RewardEntry) Productive() bool {
	return !e.Errored && e.OpportunitiesFound > 0
}

// StatisticsSnapshot aggregates one (date, country, source) key.
type StatisticsSnapshot struct {
	Date                  time.Time `json:"date"`
	Country               string    `json:"country"`
	SourceName            string    `json:"source_name"`
	OpportunitiesFound    int       `json:"opportunities_found"`
	OpportunitiesVerified int       `json:"opportunities_verified"`
	SuccessRate           float64   `json:"success_rate"`
	ResponseTimeAvgMs     float64   `json:"response_time_avg_ms"`
	ErrorCount            int       `json:"error_count"`
	Samples               int       `json:"samples"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Page is the result of one fetch.
type Page struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	FetchedAt    time.Time
}

// ContentType returns the response media type without parameters.
func (p Page) ContentType() string {
	ct := p.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Permit is a single-use grant from the rate limiter for one fetch of a target.
type Permit struct {
	TargetID string
	Token    uint64
	IssuedAt time.Time
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
