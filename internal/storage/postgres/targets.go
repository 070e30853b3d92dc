package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const targetColumns = `id, name, url, country, type, rate_limit, priority, options,
	is_active, success_rate, last_successful_run, created_at, updated_at`

// ListTargets returns targets by priority desc, then id.
func (s *Store) ListTargets(ctx context.Context, filter store.TargetFilter) ([]discovery.SearchTarget, error) {
	query := `SELECT ` + targetColumns + `
		FROM search_targets
		WHERE ($1 = '' OR country = $1) AND ($2 OR is_active)
		ORDER BY priority DESC, id`
	rows, err := s.pool.Query(ctx, query, filter.Country, filter.IncludeInactive)
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
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM search_targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.SearchTarget{}, store.ErrNotFound
	}
	return t, err
}

// UpsertTarget inserts a target or replaces its configuration columns.
func (s *Store) UpsertTarget(ctx context.Context, t discovery.SearchTarget) error {
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("marshal target options: %w", err)
	}
	query := `
		INSERT INTO search_targets (id, name, url, country, type, rate_limit, priority, options, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			country = EXCLUDED.country,
			type = EXCLUDED.type,
			rate_limit = EXCLUDED.rate_limit,
			priority = EXCLUDED.priority,
			options = EXCLUDED.options,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Name, t.URL, t.Country, string(t.Type), t.RateLimit, t.Priority, opts, t.IsActive, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert target %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTargetOutcome stores run feedback; a nil lastSuccess keeps the old value.
func (s *Store) UpdateTargetOutcome(ctx context.Context, id string, successRate float64, lastSuccess *time.Time, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE search_targets
		SET success_rate = $2, last_successful_run = COALESCE($3, last_successful_run), updated_at = $4
		WHERE id = $1`, id, successRate, lastSuccess, at)
	if err != nil {
		return fmt.Errorf("update target outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTargetActive flips is_active.
func (s *Store) SetTargetActive(ctx context.Context, id string, active bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE search_targets SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("set target %s active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanTarget(row pgx.Row) (discovery.SearchTarget, error) {
	var (
		t       discovery.SearchTarget
		typ     string
		options []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.URL, &t.Country, &typ, &t.RateLimit, &t.Priority, &options,
		&t.IsActive, &t.SuccessRate, &t.LastSuccessfulRun, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan target: %w", err)
	}
	t.Type = discovery.TargetType(typ)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.Options); err != nil {
			return t, fmt.Errorf("decode options for target %s: %w", t.ID, err)
		}
	}
	return t, nil
}
