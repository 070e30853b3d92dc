// Package stats maintains the per (date, country, source) statistics
// snapshots fed by finished runs.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// Aggregator upserts statistics snapshots.
type Aggregator struct {
	repo   store.StatsRepository
	clock  discovery.Clock
	logger *zap.Logger
}

// New returns an Aggregator.
func New(repo store.StatsRepository, clock discovery.Clock, logger *zap.Logger) (*Aggregator, error) {
	if repo == nil || clock == nil {
		return nil, errors.New("stats: repository and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{repo: repo, clock: clock, logger: logger.Named("stats")}, nil
}

// Record folds one run into the snapshot for its key. A zero Date means
// today according to the clock.
func (a *Aggregator) Record(ctx context.Context, sample discovery.StatSample) (discovery.StatisticsSnapshot, error) {
	if strings.TrimSpace(sample.Country) == "" || strings.TrimSpace(sample.SourceName) == "" {
		return discovery.StatisticsSnapshot{}, errors.New("record statistics: country and source are required")
	}
	if sample.Found < 0 || sample.Verified < 0 || sample.Verified > sample.Found {
		return discovery.StatisticsSnapshot{}, fmt.Errorf("record statistics: invalid counts found=%d verified=%d", sample.Found, sample.Verified)
	}
	if sample.ResponseTimeMs < 0 {
		sample.ResponseTimeMs = 0
	}
	now := a.clock.Now()
	if sample.At.IsZero() {
		sample.At = now
	}
	if sample.Date.IsZero() {
		sample.Date = now
	}
	sample.Date = discovery.DateOf(sample.Date)

	snap, err := a.repo.UpsertStatistics(ctx, sample)
	if err != nil {
		return discovery.StatisticsSnapshot{}, fmt.Errorf("upsert statistics: %w", err)
	}
	a.logger.Debug("statistics updated",
		zap.String("country", snap.Country),
		zap.String("source", snap.SourceName),
		zap.Int("found", snap.OpportunitiesFound),
		zap.Int("verified", snap.OpportunitiesVerified),
		zap.Float64("response_time_avg_ms", snap.ResponseTimeAvgMs),
	)
	return snap, nil
}

// List returns stored snapshots.
func (a *Aggregator) List(ctx context.Context, filter store.StatsFilter) ([]discovery.StatisticsSnapshot, error) {
	out, err := a.repo.ListStatistics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	return out, nil
}
