package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

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

// InsertOpportunity relies on the unique content_hash index: a conflicting
// insert writes nothing and the existing id is reported as a duplicate.
func (s *Store) InsertOpportunity(ctx context.Context, rec discovery.OpportunityRecord) error {
	keywords := rec.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	query := `
		INSERT INTO opportunities (` + opportunityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id`
	var id string
	err := s.pool.QueryRow(ctx, query,
		rec.ID, rec.ContentHash, rec.Title, rec.Description, rec.Deadline, rec.AmountMin, rec.AmountMax,
		rec.Currency, rec.Country, rec.Sector, rec.SourceURL, rec.SourceName, rec.ApplicationURL, rec.ContactEmail,
		rec.ContactPhone, rec.PublishedAt, keywords, rec.TargetID, rec.BotID, rec.IsVerified,
		rec.VerificationScore, rec.IsActive, rec.SnapshotURI, rec.ScrapedAt, rec.LastVerified,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
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
	err := s.pool.QueryRow(ctx, `SELECT id FROM opportunities WHERE content_hash = $1`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find content hash: %w", err)
	}
	return id, nil
}

// GetOpportunity loads one record.
func (s *Store) GetOpportunity(ctx context.Context, id string) (discovery.OpportunityRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	rec, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.OpportunityRecord{}, store.ErrNotFound
	}
	return rec, err
}

// ListOpportunities returns one feed page ordered by scraped_at desc plus the match count.
func (s *Store) ListOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]discovery.OpportunityRecord, int, error) {
	where, args := feedWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM opportunities`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count opportunities: %w", err)
	}

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
	args = append(args, limit, offset)
	query := `SELECT ` + opportunityColumns + ` FROM opportunities` + where +
		` ORDER BY scraped_at DESC, id LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	recs, err := s.queryOpportunities(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListForReverification returns active records due for another pass, oldest first.
func (s *Store) ListForReverification(ctx context.Context, staleBefore time.Time, limit int) ([]discovery.OpportunityRecord, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities
		WHERE is_active AND (NOT is_verified OR last_verified IS NULL OR last_verified < $1)
		ORDER BY COALESCE(last_verified, scraped_at), id
		LIMIT $2`
	return s.queryOpportunities(ctx, query, staleBefore, limit)
}

// RecordVerification appends results and updates the record in one transaction.
func (s *Store) RecordVerification(
	ctx context.Context,
	update store.VerificationUpdate,
	results []discovery.VerificationResult,
) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin verification tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE opportunities
		SET is_verified = $2, verification_score = $3, is_active = $4, last_verified = $5
		WHERE id = $1`,
		update.OpportunityID, update.IsVerified, update.Score, update.IsActive, update.VerifiedAt)
	if err != nil {
		return fmt.Errorf("update verification state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	for _, r := range results {
		details, mErr := json.Marshal(r.Details)
		if mErr != nil {
			return fmt.Errorf("marshal verification details: %w", mErr)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO opportunity_verifications (id, opportunity_id, verification_type, status, score, details, verified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			r.ID, r.OpportunityID, string(r.Type), string(r.Status), r.Score, details, r.VerifiedAt); err != nil {
			return fmt.Errorf("insert verification result: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit verification tx: %w", err)
	}
	return nil
}

// ListVerifications returns the audit trail oldest first.
func (s *Store) ListVerifications(ctx context.Context, opportunityID string) ([]discovery.VerificationResult, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM opportunities WHERE id = $1)`, opportunityID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check opportunity: %w", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, opportunity_id, verification_type, status, score, details, verified_at
		FROM opportunity_verifications
		WHERE opportunity_id = $1
		ORDER BY verified_at, id`, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()
	var out []discovery.VerificationResult
	for rows.Next() {
		var (
			r              discovery.VerificationResult
			typ, status    string
			detailsPayload []byte
		)
		if err := rows.Scan(&r.ID, &r.OpportunityID, &typ, &status, &r.Score, &detailsPayload, &r.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		r.Type = discovery.VerificationType(typ)
		r.Status = discovery.VerificationStatus(status)
		if len(detailsPayload) > 0 {
			if err := json.Unmarshal(detailsPayload, &r.Details); err != nil {
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
	rows, err := s.pool.Query(ctx, `
		SELECT country, COUNT(*), COUNT(*) FILTER (WHERE is_verified)
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
	rows, err := s.pool.Query(ctx, query, args...)
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

func feedWhere(f store.OpportunityFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.Active != nil {
		add("is_active = ?", *f.Active)
	}
	if f.Verified != nil {
		add("is_verified = ?", *f.Verified)
	}
	if f.Country != "" {
		add("lower(country) = lower(?)", f.Country)
	}
	if f.Sector != "" {
		add("lower(sector) = lower(?)", f.Sector)
	}
	if f.SourceName != "" {
		add("source_name = ?", f.SourceName)
	}
	if f.DeadlineFrom != nil {
		add("deadline >= ?", *f.DeadlineFrom)
	}
	if f.DeadlineTo != nil {
		add("deadline <= ?", *f.DeadlineTo)
	}
	if f.MinAmount != nil {
		add("COALESCE(amount_max, amount_min) >= ?", *f.MinAmount)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		add("(title ILIKE ? OR description ILIKE ?)", "%"+q+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanOpportunity(row pgx.Row) (discovery.OpportunityRecord, error) {
	var rec discovery.OpportunityRecord
	err := row.Scan(&rec.ID, &rec.ContentHash, &rec.Title, &rec.Description, &rec.Deadline, &rec.AmountMin, &rec.AmountMax,
		&rec.Currency, &rec.Country, &rec.Sector, &rec.SourceURL, &rec.SourceName, &rec.ApplicationURL, &rec.ContactEmail,
		&rec.ContactPhone, &rec.PublishedAt, &rec.Keywords, &rec.TargetID, &rec.BotID, &rec.IsVerified,
		&rec.VerificationScore, &rec.IsActive, &rec.SnapshotURI, &rec.ScrapedAt, &rec.LastVerified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan opportunity: %w", err)
	}
	return rec, nil
}
