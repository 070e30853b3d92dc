package sqlite

import (
	"context"
	"fmt"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const statsColumns = `date, country, source_name, opportunities_found, opportunities_verified,
	success_rate, response_time_avg_ms, error_count, samples, updated_at`

// UpsertStatistics merges one sample with the arithmetic of
// discovery.StatisticsSnapshot.Merge in a single upsert.
func (s *Store) UpsertStatistics(ctx context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error) {
	initial := discovery.StatisticsSnapshot{}.Merge(sample)
	snap, err := scanStats(s.db.QueryRowContext(ctx, `
		INSERT INTO search_statistics (`+statsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (date, country, source_name) DO UPDATE SET
			opportunities_found = search_statistics.opportunities_found + excluded.opportunities_found,
			opportunities_verified = search_statistics.opportunities_verified + excluded.opportunities_verified,
			success_rate = CASE
				WHEN search_statistics.opportunities_found + excluded.opportunities_found > 0
				THEN CAST(search_statistics.opportunities_verified + excluded.opportunities_verified AS REAL)
					/ (search_statistics.opportunities_found + excluded.opportunities_found)
				ELSE 0 END,
			response_time_avg_ms = search_statistics.response_time_avg_ms
				+ (excluded.response_time_avg_ms - search_statistics.response_time_avg_ms) / (search_statistics.samples + 1),
			error_count = search_statistics.error_count + excluded.error_count,
			samples = search_statistics.samples + 1,
			updated_at = excluded.updated_at
		RETURNING `+statsColumns,
		stamp(initial.Date), sample.Country, sample.SourceName, sample.Found, sample.Verified,
		initial.SuccessRate, sample.ResponseTimeMs, initial.ErrorCount, stamp(sample.At)))
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
		date = stamp(discovery.DateOf(*filter.Date))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statsColumns+` FROM search_statistics
		WHERE (?1 IS NULL OR date = ?1) AND (?2 = '' OR country = ?2)
		ORDER BY date DESC, country, source_name
		LIMIT ?3`, date, filter.Country, limit)
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

func scanStats(row rowScanner) (discovery.StatisticsSnapshot, error) {
	var (
		snap      discovery.StatisticsSnapshot
		date, upd stampField
	)
	err := row.Scan(&date, &snap.Country, &snap.SourceName, &snap.OpportunitiesFound, &snap.OpportunitiesVerified,
		&snap.SuccessRate, &snap.ResponseTimeAvgMs, &snap.ErrorCount, &snap.Samples, &upd)
	snap.Date, snap.UpdatedAt = date.t, upd.t
	return snap, err
}
