package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

const rewardColumns = `id, bot_id, run_id, country, opportunities_found, reward_points,
	bonus_multiplier, errored, notes, awarded_at`

// InsertReward relies on UNIQUE (bot_id, run_id); a retried run gets the
// original row back.
func (s *Store) InsertReward(ctx context.Context, e discovery.RewardEntry) (discovery.RewardEntry, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bot_rewards (`+rewardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot_id, run_id) DO NOTHING
		RETURNING id`,
		e.ID, e.BotID, e.RunID, e.Country, e.OpportunitiesFound, e.RewardPoints,
		e.BonusMultiplier, boolInt(e.Errored), e.Notes, stamp(e.AwardedAt),
	).Scan(&id)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return discovery.RewardEntry{}, false, fmt.Errorf("insert reward: %w", err)
	}
	existing, err := scanReward(s.db.QueryRowContext(ctx,
		`SELECT `+rewardColumns+` FROM bot_rewards WHERE bot_id = ? AND run_id = ?`, e.BotID, e.RunID))
	if err != nil {
		return discovery.RewardEntry{}, false, fmt.Errorf("load existing reward: %w", err)
	}
	return existing, false, nil
}

// LastReward returns the newest entry for botID.
func (s *Store) LastReward(ctx context.Context, botID string) (discovery.RewardEntry, error) {
	e, err := scanReward(s.db.QueryRowContext(ctx, `
		SELECT `+rewardColumns+` FROM bot_rewards
		WHERE bot_id = ?
		ORDER BY awarded_at DESC, id DESC
		LIMIT 1`, botID))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.RewardEntry{}, store.ErrNotFound
	}
	return e, err
}

// ListRecentRewards returns up to limit entries, newest first.
func (s *Store) ListRecentRewards(ctx context.Context, limit int) ([]discovery.RewardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rewardColumns+` FROM bot_rewards
		ORDER BY awarded_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()
	var out []discovery.RewardEntry
	for rows.Next() {
		e, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rewards: %w", err)
	}
	return out, nil
}

func scanReward(row rowScanner) (discovery.RewardEntry, error) {
	var (
		e       discovery.RewardEntry
		awarded stampField
	)
	err := row.Scan(&e.ID, &e.BotID, &e.RunID, &e.Country, &e.OpportunitiesFound, &e.RewardPoints,
		&e.BonusMultiplier, &e.Errored, &e.Notes, &awarded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan reward: %w", err)
	}
	e.AwardedAt = awarded.t
	return e, nil
}
