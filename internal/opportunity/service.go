// Package opportunity owns the lifecycle of accepted opportunities: the
// atomic commit of new candidates, re-verification passes and the read-only
// feed.
package opportunity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/scoring"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// AcceptedTopic is the publish topic for newly accepted opportunities.
const AcceptedTopic = "opportunity.accepted"

// Feed pagination bounds.
const (
	DefaultFeedLimit = 20
	MaxFeedLimit     = 100
)

// TargetLookup resolves the source target of a record during re-verification.
type TargetLookup interface {
	GetTarget(ctx context.Context, id string) (discovery.SearchTarget, error)
}

// Hasher names page snapshots by content.
type Hasher interface {
	Hash(data []byte) string
}

// Deps groups the Service collaborators. Snapshots, Publisher and Hasher are
// optional.
type Deps struct {
	Repo      store.OpportunityRepository
	Targets   TargetLookup
	Scorer    *scoring.Scorer
	IDs       discovery.IDGenerator
	Clock     discovery.Clock
	Snapshots discovery.SnapshotStore
	Publisher discovery.Publisher
	Hasher    Hasher
	Logger    *zap.Logger
}

// Service implements commit, re-verification and reads.
type Service struct {
	repo      store.OpportunityRepository
	targets   TargetLookup
	scorer    *scoring.Scorer
	ids       discovery.IDGenerator
	clock     discovery.Clock
	snapshots discovery.SnapshotStore
	publisher discovery.Publisher
	hasher    Hasher
	logger    *zap.Logger
}

// New validates deps and returns a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("opportunity: repository is required")
	case deps.Scorer == nil:
		return nil, errors.New("opportunity: scorer is required")
	case deps.IDs == nil:
		return nil, errors.New("opportunity: id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("opportunity: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      deps.Repo,
		targets:   deps.Targets,
		scorer:    deps.Scorer,
		ids:       deps.IDs,
		clock:     deps.Clock,
		snapshots: deps.Snapshots,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		logger:    logger.Named("opportunity"),
	}, nil
}

// Outcome is the result of Commit: either the accepted record or the id of
// the record that already holds the content hash.
type Outcome struct {
	Accepted   bool
	Record     discovery.OpportunityRecord
	ExistingID string
}

// CommitRequest carries one scored candidate to Commit.
type CommitRequest struct {
	Candidate   discovery.CandidateOpportunity
	Score       scoring.Result
	SnapshotURI string
}

// AcceptedEvent is the payload published for accepted opportunities.
type AcceptedEvent struct {
	Type        string                      `json:"type"`
	Opportunity discovery.OpportunityRecord `json:"opportunity"`
	AcceptedAt  time.Time                   `json:"accepted_at"`
}

// Commit inserts the candidate unless its content hash is already stored.
// The repository insert is the only uniqueness check that counts; losing a
// race to a concurrent writer yields a rejected outcome, never an overwrite.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (Outcome, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Outcome{}, fmt.Errorf("generate opportunity id: %w", err)
	}
	now := s.clock.Now()
	rec := discovery.OpportunityRecord{
		ID:                   id,
		CandidateOpportunity: req.Candidate,
		IsVerified:           req.Score.IsVerified,
		VerificationScore:    req.Score.Score,
		IsActive:             true,
		SnapshotURI:          req.SnapshotURI,
		ScrapedAt:            now,
		LastVerified:         &now,
	}
	if rec.Currency == "" {
		rec.Currency = discovery.DefaultCurrency
	}

	if err := s.repo.InsertOpportunity(ctx, rec); err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			return Outcome{ExistingID: dup.ExistingID}, nil
		}
		return Outcome{}, fmt.Errorf("insert opportunity: %w", err)
	}

	s.recordInitialScore(ctx, rec, req.Score)
	s.publish(ctx, rec)
	return Outcome{Accepted: true, Record: rec}, nil
}

func (s *Service) recordInitialScore(ctx context.Context, rec discovery.OpportunityRecord, res scoring.Result) {
	result, err := s.newResult(rec.ID, discovery.VerificationScoring, res.Status(), res.Score, res.Details, *rec.LastVerified)
	if err == nil {
		err = s.repo.RecordVerification(ctx, store.VerificationUpdate{
			OpportunityID: rec.ID,
			IsVerified:    rec.IsVerified,
			Score:         rec.VerificationScore,
			IsActive:      rec.IsActive,
			VerifiedAt:    *rec.LastVerified,
		}, []discovery.VerificationResult{result})
	}
	if err != nil {
		s.logger.Warn("initial verification not recorded", zap.String("opportunity_id", rec.ID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, rec discovery.OpportunityRecord) {
	if s.publisher == nil {
		return
	}
	msgID, err := s.publisher.Publish(ctx, AcceptedTopic, AcceptedEvent{
		Type:        AcceptedTopic,
		Opportunity: rec,
		AcceptedAt:  rec.ScrapedAt,
	})
	if err != nil {
		s.logger.Warn("publish accepted opportunity failed", zap.String("opportunity_id", rec.ID), zap.Error(err))
		return
	}
	s.logger.Debug("accepted opportunity published", zap.String("opportunity_id", rec.ID), zap.String("message_id", msgID))
}

// ArchivePage stores the page body as evidence and returns its URI. Archiving
// is best effort: failures are logged and yield "".
func (s *Service) ArchivePage(ctx context.Context, target discovery.SearchTarget, page discovery.Page) string {
	if s.snapshots == nil || s.hasher == nil || len(page.Body) == 0 {
		return ""
	}
	ext := ".html"
	switch ct := page.ContentType(); {
	case ct == "application/json":
		ext = ".json"
	case ct == "application/rss+xml" || ct == "application/atom+xml" || ct == "application/xml" || ct == "text/xml":
		ext = ".xml"
	}
	day := page.FetchedAt
	if day.IsZero() {
		day = s.clock.Now()
	}
	name := path.Join("snapshots", target.ID, day.UTC().Format("2006/01/02"), s.hasher.Hash(page.Body)+ext)
	contentType := page.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := s.snapshots.PutObject(ctx, name, contentType, bytes.NewReader(page.Body))
	if err != nil {
		s.logger.Warn("snapshot archive failed", zap.String("target_id", target.ID), zap.Error(err))
		return ""
	}
	return uri
}

// ReVerify re-scores a stored record with its source's current success rate
// at the current time. History is appended, never rewritten. Records whose
// deadline has passed are deactivated. Content and same-source duplicate
// passes are appended too; only the scoring pass decides isVerified.
func (s *Service) ReVerify(ctx context.Context, id string) (discovery.VerificationResult, error) {
	rec, err := s.repo.GetOpportunity(ctx, id)
	if err != nil {
		return discovery.VerificationResult{}, fmt.Errorf("load opportunity %s: %w", id, err)
	}
	rate := s.successRate(ctx, rec.TargetID)
	res, err := s.scorer.Score(rec.CandidateOpportunity, rate)
	if err != nil {
		return discovery.VerificationResult{}, fmt.Errorf("score opportunity %s: %w", id, err)
	}
	now := s.clock.Now()
	scored, err := s.newResult(rec.ID, discovery.VerificationScoring, res.Status(), res.Score, res.Details, now)
	if err != nil {
		return discovery.VerificationResult{}, err
	}
	results := []discovery.VerificationResult{scored}

	active := rec.IsActive
	if rec.Deadline != nil && !rec.Deadline.After(now) {
		active = false
		status, score, details := s.scorer.DeadlineCheck(rec.Deadline)
		deadline, err := s.newResult(rec.ID, discovery.VerificationDeadline, status, score, details, now)
		if err != nil {
			return discovery.VerificationResult{}, err
		}
		results = append(results, deadline)
	}

	status, score, details := contentCheck(rec.CandidateOpportunity, now)
	content, err := s.newResult(rec.ID, discovery.VerificationContent, status, score, details, now)
	if err != nil {
		return discovery.VerificationResult{}, err
	}
	status, score, details, err = s.duplicateCheck(ctx, rec)
	if err != nil {
		return discovery.VerificationResult{}, fmt.Errorf("duplicate check for %s: %w", id, err)
	}
	dupes, err := s.newResult(rec.ID, discovery.VerificationDuplicates, status, score, details, now)
	if err != nil {
		return discovery.VerificationResult{}, err
	}
	results = append(results, content, dupes)

	if err := s.repo.RecordVerification(ctx, store.VerificationUpdate{
		OpportunityID: rec.ID,
		IsVerified:    res.IsVerified,
		Score:         res.Score,
		IsActive:      active,
		VerifiedAt:    now,
	}, results); err != nil {
		return discovery.VerificationResult{}, fmt.Errorf("record verification for %s: %w", id, err)
	}
	s.logger.Debug("opportunity re-verified",
		zap.String("opportunity_id", rec.ID),
		zap.Float64("score", res.Score),
		zap.Bool("verified", res.IsVerified),
		zap.Bool("active", active),
	)
	return scored, nil
}

func (s *Service) successRate(ctx context.Context, targetID string) float64 {
	if s.targets == nil || targetID == "" {
		return 0
	}
	t, err := s.targets.GetTarget(ctx, targetID)
	if err != nil {
		s.logger.Warn("source target unavailable; scoring without trust", zap.String("target_id", targetID), zap.Error(err))
		return 0
	}
	return t.SuccessRate
}

func (s *Service) newResult(
	oppID string,
	kind discovery.VerificationType,
	status discovery.VerificationStatus,
	score float64,
	details map[string]any,
	at time.Time,
) (discovery.VerificationResult, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return discovery.VerificationResult{}, fmt.Errorf("generate verification id: %w", err)
	}
	return discovery.VerificationResult{
		ID:            id,
		OpportunityID: oppID,
		Type:          kind,
		Status:        status,
		Score:         score,
		Details:       details,
		VerifiedAt:    at,
	}, nil
}

// FeedPage is one page of the opportunity feed.
type FeedPage struct {
	Items   []discovery.OpportunityRecord `json:"items"`
	Total   int                           `json:"total"`
	Limit   int                           `json:"limit"`
	Offset  int                           `json:"offset"`
	HasMore bool                          `json:"has_more"`
}

// Feed returns one page of records matching filter.
func (s *Service) Feed(ctx context.Context, filter store.OpportunityFilter) (FeedPage, error) {
	filter.Limit = ClampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	items, total, err := s.repo.ListOpportunities(ctx, filter)
	if err != nil {
		return FeedPage{}, fmt.Errorf("list opportunities: %w", err)
	}
	if items == nil {
		items = []discovery.OpportunityRecord{}
	}
	return FeedPage{
		Items:   items,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(items) < total,
	}, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (discovery.OpportunityRecord, error) {
	rec, err := s.repo.GetOpportunity(ctx, id)
	if err != nil {
		return discovery.OpportunityRecord{}, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return rec, nil
}

// Verifications returns the audit history of a record, oldest first.
func (s *Service) Verifications(ctx context.Context, id string) ([]discovery.VerificationResult, error) {
	if _, err := s.repo.GetOpportunity(ctx, id); err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	out, err := s.repo.ListVerifications(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list verifications for %s: %w", id, err)
	}
	return out, nil
}

// Totals returns per-country counts.
func (s *Service) Totals(ctx context.Context) ([]store.CountryTotals, error) {
	out, err := s.repo.CountByCountry(ctx)
	if err != nil {
		return nil, fmt.Errorf("count opportunities: %w", err)
	}
	return out, nil
}

// ClampLimit applies the feed's default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultFeedLimit
	case limit > MaxFeedLimit:
		return MaxFeedLimit
	default:
		return limit
	}
}
