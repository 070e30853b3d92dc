package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

const opportunityColumns = `id, content_hash, title, description, deadline, amount_min, amount_max,
	currency, country, sector, source_url, source_name, application_url, contact_email,
	contact_phone, published_at, keywords, target_id, bot_id, is_verified,
	verification_score, is_active, snapshot_uri, scraped_at, last_verified`

// InsertOpportunity leans on the unique content_hash index. A conflicting
// insert writes nothing and reports the stored id as a duplicate.
func (s *Store) InsertOpportunity(ctx context.Context, rec discovery.OpportunityRecord) error {
	keywords := rec.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO opportunities (`+opportunityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id`,
		rec.ID, rec.ContentHash, rec.Title, rec.Description, nullStamp(rec.Deadline), rec.AmountMin, rec.AmountMax,
		rec.Currency, rec.Country, rec.Sector, rec.SourceURL, rec.SourceName, rec.ApplicationURL, rec.ContactEmail,
		rec.ContactPhone, nullStamp(rec.PublishedAt), string(kw), rec.TargetID, rec.BotID, boolInt(rec.IsVerified),
		rec.VerificationScore, boolInt(rec.IsActive), rec.SnapshotURI, stamp(rec.ScrapedAt), nullStamp(rec.LastVerified),
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	existing, lookupErr := s.FindByContentHash(ctx, rec.ContentHash)
	if lookupErr != nil {
		return fmt.Errorf("resolve duplicate %s: %w", rec.ContentHash, lookupErr)
	}
	return &store.DuplicateError{ContentHash: rec.ContentHash, ExistingID: existing}
}

// FindByContentHash returns the id stored for hash.
func (s *Store) FindByContentHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM opportunities WHERE content_hash = ?`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find content hash: %w", err)
	}
	return id, nil
}

// GetOpportunity loads one record.
func (s *Store) GetOpportunity(ctx context.Context, id string) (discovery.OpportunityRecord, error) {
	rec, err := scanOpportunity(s.db.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.OpportunityRecord{}, store.ErrNotFound
	}
	return rec, err
}

// ListOpportunities returns one feed page, newest scrape first, plus the match count.
func (s *Store) ListOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]discovery.OpportunityRecord, int, error) {
	where, args := feedWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count opportunities: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	offset := max(filter.Offset, 0)
	args = append(args, limit, offset)
	recs, err := s.queryOpportunities(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities`+where+` ORDER BY scraped_at DESC, id LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListForReverification returns active records due for another pass, oldest first.
func (s *Store) ListForReverification(ctx context.Context, staleBefore time.Time, limit int) ([]discovery.OpportunityRecord, error) {
	return s.queryOpportunities(ctx, `SELECT `+opportunityColumns+` FROM opportunities
		WHERE is_active AND (NOT is_verified OR last_verified IS NULL OR last_verified < ?)
		ORDER BY COALESCE(last_verified, scraped_at), id
		LIMIT ?`, stamp(staleBefore), limit)
}

// RecordVerification appends results and updates the record in one transaction.
func (s *Store) RecordVerification(
	ctx context.Context,
	update store.VerificationUpdate,
	results []discovery.VerificationResult,
) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin verification tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE opportunities
		SET is_verified = ?2, verification_score = ?3, is_active = ?4, last_verified = ?5
		WHERE id = ?1`,
		update.OpportunityID, boolInt(update.IsVerified), update.Score, boolInt(update.IsActive), stamp(update.VerifiedAt))
	if err != nil {
		return fmt.Errorf("update verification state: %w", err)
	}
	if err = requireRow(res); err != nil {
		return err
	}
	for _, r := range results {
		details, mErr := json.Marshal(r.Details)
		if mErr != nil {
			err = fmt.Errorf("marshal verification details: %w", mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO opportunity_verifications (id, opportunity_id, verification_type, status, score, details, verified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.OpportunityID, string(r.Type), string(r.Status), r.Score, string(details), stamp(r.VerifiedAt)); err != nil {
			return fmt.Errorf("insert verification result: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit verification tx: %w", err)
	}
	return nil
}

// ListVerifications returns the audit trail oldest first.
func (s *Store) ListVerifications(ctx context.Context, opportunityID string) ([]discovery.VerificationResult, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM opportunities WHERE id = ?)`, opportunityID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check opportunity: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, opportunity_id, verification_type, status, score, details, verified_at
		FROM opportunity_verifications
		WHERE opportunity_id = ?
		ORDER BY verified_at, id`, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()
	var out []discovery.VerificationResult
	for rows.Next() {
		var (
			r                    discovery.VerificationResult
			typ, status, details string
			at                   stampField
		)
		if err := rows.Scan(&r.ID, &r.OpportunityID, &typ, &status, &r.Score, &details, &at); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		r.Type = discovery.VerificationType(typ)
		r.Status = discovery.VerificationStatus(status)
		r.VerifiedAt = at.t
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
				return nil, fmt.Errorf("decode verification details: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications: %w", err)
	}
	return out, nil
}

// CountByCountry aggregates totals per country.
func (s *Store) CountByCountry(ctx context.Context) ([]store.CountryTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, COUNT(*), COALESCE(SUM(is_verified), 0)
		FROM opportunities
		GROUP BY country
		ORDER BY country`)
	if err != nil {
		return nil, fmt.Errorf("count opportunities by country: %w", err)
	}
	defer rows.Close()
	var out []store.CountryTotals
	for rows.Next() {
		var ct store.CountryTotals
		if err := rows.Scan(&ct.Country, &ct.Total, &ct.Verified); err != nil {
			return nil, fmt.Errorf("scan country totals: %w", err)
		}
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate country totals: %w", err)
	}
	return out, nil
}

func (s *Store) queryOpportunities(ctx context.Context, query string, args ...any) ([]discovery.OpportunityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()
	out := []discovery.OpportunityRecord{}
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opportunities: %w", err)
	}
	return out, nil
}

// feedWhere builds the WHERE clause with positional placeholders.
func feedWhere(f store.OpportunityFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Active != nil {
		clauses, args = append(clauses, "is_active = ?"), append(args, boolInt(*f.Active))
	}
	if f.Verified != nil {
		clauses, args = append(clauses, "is_verified = ?"), append(args, boolInt(*f.Verified))
	}
	if f.Country != "" {
		clauses, args = append(clauses, "lower(country) = lower(?)"), append(args, f.Country)
	}
	if f.Sector != "" {
		clauses, args = append(clauses, "lower(sector) = lower(?)"), append(args, f.Sector)
	}
	if f.SourceName != "" {
		clauses, args = append(clauses, "source_name = ?"), append(args, f.SourceName)
	}
	if f.DeadlineFrom != nil {
		clauses, args = append(clauses, "deadline >= ?"), append(args, stamp(*f.DeadlineFrom))
	}
	if f.DeadlineTo != nil {
		clauses, args = append(clauses, "deadline <= ?"), append(args, stamp(*f.DeadlineTo))
	}
	if f.MinAmount != nil {
		clauses, args = append(clauses, "COALESCE(amount_max, amount_min) >= ?"), append(args, *f.MinAmount)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + q + "%"
		clauses, args = append(clauses, "(title LIKE ? OR description LIKE ?)"), append(args, like, like)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanOpportunity(row rowScanner) (discovery.OpportunityRecord, error) {
	var (
		rec                                    discovery.OpportunityRecord
		deadline, published, scraped, verified stampField
		keywords                               string
	)
	err := row.Scan(&rec.ID, &rec.ContentHash, &rec.Title, &rec.Description, &deadline, &rec.AmountMin, &rec.AmountMax,
		&rec.Currency, &rec.Country, &rec.Sector, &rec.SourceURL, &rec.SourceName, &rec.ApplicationURL, &rec.ContactEmail,
		&rec.ContactPhone, &published, &keywords, &rec.TargetID, &rec.BotID, &rec.IsVerified,
		&rec.VerificationScore, &rec.IsActive, &rec.SnapshotURI, &scraped, &verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan opportunity: %w", err)
	}
	rec.Deadline = deadline.ptr()
	rec.PublishedAt = published.ptr()
	rec.ScrapedAt = scraped.t
	rec.LastVerified = verified.ptr()
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &rec.Keywords); err != nil {
			return rec, fmt.Errorf("decode keywords for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}
