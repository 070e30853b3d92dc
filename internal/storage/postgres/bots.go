package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const botColumns = `id, name, country, status, last_run, total_opportunities_found, total_reward_points,
	error_count, total_runs, successful_runs, success_rate, created_at, updated_at`

// EnsureBot inserts bot unless its id exists and returns the stored row.
func (s *Store) EnsureBot(ctx context.Context, bot discovery.BotWorker) (discovery.BotWorker, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_bots (id, name, country, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		bot.ID, bot.Name, bot.Country, string(bot.Status), bot.CreatedAt, bot.UpdatedAt)
	if err != nil {
		return discovery.BotWorker{}, fmt.Errorf("ensure bot %s: %w", bot.ID, err)
	}
	return s.GetBot(ctx, bot.ID)
}

// GetBot loads one bot.
func (s *Store) GetBot(ctx context.Context, id string) (discovery.BotWorker, error) {
	bot, err := scanBot(s.pool.QueryRow(ctx, `SELECT `+botColumns+` FROM search_bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	return bot, err
}

// ListBots returns every bot ordered by country, then id.
func (s *Store) ListBots(ctx context.Context) ([]discovery.BotWorker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+botColumns+` FROM search_bots ORDER BY country, id`)
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

// ApplyRun increments the counters in a single UPDATE so concurrent runs of
// the same bot never lose an increment.
func (s *Store) ApplyRun(ctx context.Context, botID string, d discovery.BotRunDelta) (discovery.BotWorker, error) {
	succeeded, failed := 0, 1
	if d.Succeeded {
		succeeded, failed = 1, 0
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE search_bots SET
			total_runs = total_runs + 1,
			successful_runs = successful_runs + $2,
			error_count = error_count + $3,
			total_opportunities_found = total_opportunities_found + $4,
			total_reward_points = total_reward_points + $5,
			success_rate = (successful_runs + $2)::double precision / (total_runs + 1),
			last_run = $6,
			updated_at = $6
		WHERE id = $1
		RETURNING `+botColumns,
		botID, succeeded, failed, d.OpportunitiesFound, d.RewardPoints, d.At)
	bot, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.BotWorker{}, store.ErrNotFound
	}
	return bot, err
}

// SetBotStatus updates the status column.
func (s *Store) SetBotStatus(ctx context.Context, id string, status discovery.BotStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE search_bots SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("set bot %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanBot(row pgx.Row) (discovery.BotWorker, error) {
	var (
		b      discovery.BotWorker
		status string
	)
	err := row.Scan(&b.ID, &b.Name, &b.Country, &status, &b.LastRun, &b.TotalOpportunitiesFound, &b.TotalRewardPoints,
		&b.ErrorCount, &b.TotalRuns, &b.SuccessfulRuns, &b.SuccessRate, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("scan bot: %w", err)
	}
	b.Status = discovery.BotStatus(status)
	return b, nil
}
