package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const targetColumns = `id, name, url, country, type, rate_limit, priority, options,
	is_active, success_rate, last_successful_run, created_at, updated_at`

// ListTargets returns targets by priority desc, then id.
func (s *Store) ListTargets(ctx context.Context, filter store.TargetFilter) ([]discovery.SearchTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+`
		FROM search_targets
		WHERE (?1 = '' OR country = ?1) AND (?2 OR is_active)
		ORDER BY priority DESC, id`, filter.Country, boolInt(filter.IncludeInactive))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []discovery.SearchTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(ctx context.Context, id string) (discovery.SearchTarget, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM search_targets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.SearchTarget{}, store.ErrNotFound
	}
	return t, err
}

// UpsertTarget inserts a target or replaces its configuration columns. Run
// statistics survive the update.
func (s *Store) UpsertTarget(ctx context.Context, t discovery.SearchTarget) error {
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("marshal target options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_targets (id, name, url, country, type, rate_limit, priority, options, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			country = excluded.country,
			type = excluded.type,
			rate_limit = excluded.rate_limit,
			priority = excluded.priority,
			options = excluded.options,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.URL, t.Country, string(t.Type), t.RateLimit, t.Priority, string(opts),
		boolInt(t.IsActive), stamp(t.CreatedAt), stamp(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTargetOutcome stores run feedback; a nil lastSuccess keeps the old value.
func (s *Store) UpdateTargetOutcome(ctx context.Context, id string, successRate float64, lastSuccess *time.Time, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE search_targets
		SET success_rate = ?2, last_successful_run = COALESCE(?3, last_successful_run), updated_at = ?4
		WHERE id = ?1`, id, successRate, nullStamp(lastSuccess), stamp(at))
	if err != nil {
		return fmt.Errorf("update target outcome %s: %w", id, err)
	}
	return requireRow(res)
}

// SetTargetActive flips is_active.
func (s *Store) SetTargetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE search_targets SET is_active = ?2, updated_at = ?3 WHERE id = ?1`,
		id, boolInt(active), stamp(at))
	if err != nil {
		return fmt.Errorf("set target %s active=%t: %w", id, active, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanTarget(row rowScanner) (discovery.SearchTarget, error) {
	var (
		t                    discovery.SearchTarget
		typ, options         string
		lastOK, created, upd stampField
	)
	err := row.Scan(&t.ID, &t.Name, &t.URL, &t.Country, &typ, &t.RateLimit, &t.Priority, &options,
		&t.IsActive, &t.SuccessRate, &lastOK, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan target: %w", err)
	}
	t.Type = discovery.TargetType(typ)
	t.LastSuccessfulRun = lastOK.ptr()
	t.CreatedAt, t.UpdatedAt = created.t, upd.t
	if options != "" {
		if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
			return t, fmt.Errorf("decode options for target %s: %w", t.ID, err)
		}
	}
	return t, nil
}
