package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

// OpportunityStore keeps opportunities indexed by id and content hash. The
// hash index is checked and written under one lock, which gives the same
// insert-or-reject semantics as a unique index.
type OpportunityStore struct {
	mu            sync.RWMutex
	records       map[string]discovery.OpportunityRecord
	byHash        map[string]string
	verifications map[string][]discovery.VerificationResult
}

// NewOpportunityStore constructs an empty OpportunityStore.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{
		records:       make(map[string]discovery.OpportunityRecord),
		byHash:        make(map[string]string),
		verifications: make(map[string][]discovery.VerificationResult),
	}
}

// InsertOpportunity stores rec unless its content hash is already present.
func (s *OpportunityStore) InsertOpportunity(_ context.Context, rec discovery.OpportunityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byHash[rec.ContentHash]; ok {
		return &store.DuplicateError{ContentHash: rec.ContentHash, ExistingID: existing}
	}
	s.records[rec.ID] = rec
	s.byHash[rec.ContentHash] = rec.ID
	return nil
}

// FindByContentHash returns the stored id for hash.
func (s *OpportunityStore) FindByContentHash(_ context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

// GetOpportunity returns one record.
func (s *OpportunityStore) GetOpportunity(_ context.Context, id string) (discovery.OpportunityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return discovery.OpportunityRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListOpportunities filters, orders by scraped_at desc and pages the records.
func (s *OpportunityStore) ListOpportunities(
	_ context.Context,
	filter store.OpportunityFilter,
) ([]discovery.OpportunityRecord, int, error) {
	s.mu.RLock()
	matched := make([]discovery.OpportunityRecord, 0, len(s.records))
	for _, rec := range s.records {
		if matches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ScrapedAt.Equal(matched[j].ScrapedAt) {
			return matched[i].ScrapedAt.After(matched[j].ScrapedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []discovery.OpportunityRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]discovery.OpportunityRecord(nil), matched[offset:end]...), total, nil
}

// ListForReverification returns stale or unverified active records, oldest first.
func (s *OpportunityStore) ListForReverification(
	_ context.Context,
	staleBefore time.Time,
	limit int,
) ([]discovery.OpportunityRecord, error) {
	s.mu.RLock()
	out := make([]discovery.OpportunityRecord, 0)
	for _, rec := range s.records {
		if !rec.IsActive {
			continue
		}
		if rec.IsVerified && rec.LastVerified != nil && !rec.LastVerified.Before(staleBefore) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return lastTouched(out[i]).Before(lastTouched(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordVerification appends results and updates the record together.
func (s *OpportunityStore) RecordVerification(
	_ context.Context,
	update store.VerificationUpdate,
	results []discovery.VerificationResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[update.OpportunityID]
	if !ok {
		return store.ErrNotFound
	}
	rec.IsVerified = update.IsVerified
	rec.VerificationScore = update.Score
	rec.IsActive = update.IsActive
	rec.LastVerified = pointerTime(update.VerifiedAt)
	s.records[rec.ID] = rec
	s.verifications[rec.ID] = append(s.verifications[rec.ID], results...)
	return nil
}

// ListVerifications returns the audit trail oldest first.
func (s *OpportunityStore) ListVerifications(_ context.Context, opportunityID string) ([]discovery.VerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[opportunityID]; !ok {
		return nil, store.ErrNotFound
	}
	return append([]discovery.VerificationResult(nil), s.verifications[opportunityID]...), nil
}

// CountByCountry aggregates totals per country ordered by country.
func (s *OpportunityStore) CountByCountry(_ context.Context) ([]store.CountryTotals, error) {
	s.mu.RLock()
	byCountry := make(map[string]*store.CountryTotals)
	for _, rec := range s.records {
		ct, ok := byCountry[rec.Country]
		if !ok {
			ct = &store.CountryTotals{Country: rec.Country}
			byCountry[rec.Country] = ct
		}
		ct.Total++
		if rec.IsVerified {
			ct.Verified++
		}
	}
	s.mu.RUnlock()
	out := make([]store.CountryTotals, 0, len(byCountry))
	for _, ct := range byCountry {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}

func matches(rec discovery.OpportunityRecord, f store.OpportunityFilter) bool {
	if f.Active != nil && rec.IsActive != *f.Active {
		return false
	}
	if f.Verified != nil && rec.IsVerified != *f.Verified {
		return false
	}
	if f.Country != "" && !strings.EqualFold(rec.Country, f.Country) {
		return false
	}
	if f.Sector != "" && !strings.EqualFold(rec.Sector, f.Sector) {
		return false
	}
	if f.SourceName != "" && rec.SourceName != f.SourceName {
		return false
	}
	if f.DeadlineFrom != nil && (rec.Deadline == nil || rec.Deadline.Before(*f.DeadlineFrom)) {
		return false
	}
	if f.DeadlineTo != nil && (rec.Deadline == nil || rec.Deadline.After(*f.DeadlineTo)) {
		return false
	}
	if f.MinAmount != nil {
		upper := rec.AmountMax
		if upper == nil {
			upper = rec.AmountMin
		}
		if upper == nil || *upper < *f.MinAmount {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(rec.Title), q) && !strings.Contains(strings.ToLower(rec.Description), q) {
			return false
		}
	}
	return true
}

func lastTouched(rec discovery.OpportunityRecord) time.Time {
	if rec.LastVerified != nil {
		return *rec.LastVerified
	}
	return rec.ScrapedAt
}
