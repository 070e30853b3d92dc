package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const botColumns = `id, name, country, status, last_run, total_opportunities_found, total_reward_points,
	error_count, total_runs, successful_runs, success_rate, created_at, updated_at`

// EnsureBot inserts bot unless its id exists and returns the stored row.
func (s *Store) EnsureBot(ctx context.Context, bot discovery.BotWorker) (discovery.BotWorker, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_bots (id, name, country, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		bot.ID, bot.Name, bot.Country, string(bot.Status), stamp(bot.CreatedAt), stamp(bot.UpdatedAt))
	if err != nil {
		return discovery.BotWorker{}, fmt.Errorf("ensure bot %s: %w", bot.ID, err)
	}
	return s.GetBot(ctx, bot.ID)
}

// GetBot loads one bot.
func (s *Store) GetBot(ctx context.Context, id string) (discovery.BotWorker, error) {
	bot, err := scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM search_bots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	return bot, err
}

// ListBots returns every bot ordered by country, then id.
func (s *Store) ListBots(ctx context.Context) ([]discovery.BotWorker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM search_bots ORDER BY country, id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()
	var out []discovery.BotWorker
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bots: %w", err)
	}
	return out, nil
}

// ApplyRun adds the run's counters in one UPDATE ... RETURNING.
func (s *Store) ApplyRun(ctx context.Context, botID string, d discovery.BotRunDelta) (discovery.BotWorker, error) {
	succeeded, failed := 0, 1
	if d.Succeeded {
		succeeded, failed = 1, 0
	}
	bot, err := scanBot(s.db.QueryRowContext(ctx, `
		UPDATE search_bots SET
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?2,
			error_count = error_count + ?3,
			total_opportunities_found = total_opportunities_found + ?4,
			total_reward_points = total_reward_points + ?5,
			success_rate = CAST(successful_runs + ?2 AS REAL) / (total_runs + 1),
			last_run = ?6,
			updated_at = ?6
		WHERE id = ?1
		RETURNING `+botColumns,
		botID, succeeded, failed, d.OpportunitiesFound, d.RewardPoints, stamp(d.At)))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	return bot, err
}

// SetBotStatus updates the status column.
func (s *Store) SetBotStatus(ctx context.Context, id string, status discovery.BotStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE search_bots SET status = ?2, updated_at = ?3 WHERE id = ?1`,
		id, string(status), stamp(at))
	if err != nil {
		return fmt.Errorf("set bot %s status: %w", id, err)
	}
	return requireRow(res)
}

func scanBot(row rowScanner) (discovery.BotWorker, error) {
	var (
		b                     discovery.BotWorker
		status                string
		lastRun, created, upd stampField
	)
	err := row.Scan(&b.ID, &b.Name, &b.Country, &status, &lastRun, &b.TotalOpportunitiesFound, &b.TotalRewardPoints,
		&b.ErrorCount, &b.TotalRuns, &b.SuccessfulRuns, &b.SuccessRate, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("scan bot: %w", err)
	}
	b.Status = discovery.BotStatus(status)
	b.LastRun = lastRun.ptr()
	b.CreatedAt, b.UpdatedAt = created.t, upd.t
	return b, nil
}
