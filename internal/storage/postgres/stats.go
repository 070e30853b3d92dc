package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const statsColumns = `date, country, source_name, opportunities_found, opportunities_verified,
	success_rate, response_time_avg_ms, error_count, samples, updated_at`

// UpsertStatistics merges one sample with the same arithmetic as
// discovery.StatisticsSnapshot.Merge, inside a single INSERT ... ON CONFLICT.
func (s *Store) UpsertStatistics(ctx context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error) {
	initial := discovery.StatisticsSnapshot{}.Merge(sample)
	errored := 0
	if sample.Errored {
		errored = 1
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO search_statistics AS s (`+statsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
		ON CONFLICT (date, country, source_name) DO UPDATE SET
			opportunities_found = s.opportunities_found + EXCLUDED.opportunities_found,
			opportunities_verified = s.opportunities_verified + EXCLUDED.opportunities_verified,
			success_rate = CASE
				WHEN s.opportunities_found + EXCLUDED.opportunities_found > 0
				THEN (s.opportunities_verified + EXCLUDED.opportunities_verified)::double precision
					/ (s.opportunities_found + EXCLUDED.opportunities_found)
				ELSE 0 END,
			response_time_avg_ms = s.response_time_avg_ms
				+ (EXCLUDED.response_time_avg_ms - s.response_time_avg_ms) / (s.samples + 1),
			error_count = s.error_count + EXCLUDED.error_count,
			samples = s.samples + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+statsColumns,
		initial.Date, sample.Country, sample.SourceName, sample.Found, sample.Verified,
		initial.SuccessRate, sample.ResponseTimeMs, errored, sample.At)
	snap, err := scanStats(row)
	if err != nil {
		return discovery.StatisticsSnapshot{}, fmt.Errorf("upsert statistics: %w", err)
	}
	return snap, nil
}

// ListStatistics returns snapshots newest date first.
func (s *Store) ListStatistics(ctx context.Context, filter store.StatsFilter) ([]discovery.StatisticsSnapshot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	var date any
	if filter.Date != nil {
		date = discovery.DateOf(*filter.Date)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+statsColumns+` FROM search_statistics
		WHERE ($1::date IS NULL OR date = $1) AND ($2 = '' OR country = $2)
		ORDER BY date DESC, country, source_name
		LIMIT $3`, date, filter.Country, limit)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()
	var out []discovery.StatisticsSnapshot
	for rows.Next() {
		snap, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return out, nil
}

func scanStats(row pgx.Row) (discovery.StatisticsSnapshot, error) {
	var snap discovery.StatisticsSnapshot
	err := row.Scan(&snap.Date, &snap.Country, &snap.SourceName, &snap.OpportunitiesFound, &snap.OpportunitiesVerified,
		&snap.SuccessRate, &snap.ResponseTimeAvgMs, &snap.ErrorCount, &snap.Samples, &snap.UpdatedAt)
	return snap, err
}
