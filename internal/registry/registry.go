// Package registry is the engine's view of configured search targets. It
// applies defaults and validation on write and folds run outcomes into each
// target's success rate.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/store"
)

// SuccessWeight is the weight of the newest sample in the success rate
// moving average.
const SuccessWeight = 0.2

// Registry wraps the target and bot repositories.
type Registry struct {
	targets store.TargetRepository
	bots    store.BotRepository
	clock   discovery.Clock
	logger  *zap.Logger

	// outcomes serialises read-modify-write of success rates.
	outcomes sync.Mutex
}

// New returns a Registry. bots may be nil when bot rows are managed elsewhere.
func New(targets store.TargetRepository, bots store.BotRepository, clock discovery.Clock, logger *zap.Logger) (*Registry, error) {
	if targets == nil || clock == nil {
		return nil, errors.New("registry: target repository and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{targets: targets, bots: bots, clock: clock, logger: logger.Named("registry")}, nil
}

// List returns active targets by priority, optionally for one country.
func (r *Registry) List(ctx context.Context, country string) ([]discovery.SearchTarget, error) {
	out, err := r.targets.ListTargets(ctx, store.TargetFilter{Country: country})
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

// ListAll includes paused targets.
func (r *Registry) ListAll(ctx context.Context, country string) ([]discovery.SearchTarget, error) {
	out, err := r.targets.ListTargets(ctx, store.TargetFilter{Country: country, IncludeInactive: true})
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return out, nil
}

// Get returns one target or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (discovery.SearchTarget, error) {
	t, err := r.targets.GetTarget(ctx, id)
	if err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("get target %s: %w", id, err)
	}
	return t, nil
}

// Upsert validates and stores target and makes sure its country has a bot.
func (r *Registry) Upsert(ctx context.Context, target discovery.SearchTarget) (discovery.SearchTarget, error) {
	target.ApplyDefaults()
	tt, err := discovery.ParseTargetType(string(target.Type))
	if err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("target %s: %w", target.ID, err)
	}
	target.Type = tt
	if err := target.Validate(); err != nil {
		return discovery.SearchTarget{}, err
	}
	now := r.clock.Now()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.UpdatedAt = now
	if err := r.targets.UpsertTarget(ctx, target); err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("upsert target %s: %w", target.ID, err)
	}
	if r.bots != nil {
		if _, err := r.bots.EnsureBot(ctx, discovery.NewBotWorker(target.Country, now)); err != nil {
			return discovery.SearchTarget{}, fmt.Errorf("ensure bot for %s: %w", target.Country, err)
		}
	}
	stored, err := r.targets.GetTarget(ctx, target.ID)
	if err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("reload target %s: %w", target.ID, err)
	}
	return stored, nil
}

// RecordRunOutcome folds one run into the target's success rate and, on
// success, its last successful run time.
func (r *Registry) RecordRunOutcome(ctx context.Context, id string, success bool, elapsed time.Duration) (discovery.SearchTarget, error) {
	r.outcomes.Lock()
	defer r.outcomes.Unlock()

	t, err := r.targets.GetTarget(ctx, id)
	if err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("record outcome for %s: %w", id, err)
	}
	sample := 0.0
	if success {
		sample = 1
	}
	t.SuccessRate = NextSuccessRate(t.SuccessRate, sample)
	now := r.clock.Now()
	var lastSuccess *time.Time
	if success {
		lastSuccess = &now
		t.LastSuccessfulRun = lastSuccess
	}
	t.UpdatedAt = now
	if err := r.targets.UpdateTargetOutcome(ctx, id, t.SuccessRate, lastSuccess, now); err != nil {
		return discovery.SearchTarget{}, fmt.Errorf("record outcome for %s: %w", id, err)
	}
	r.logger.Debug("run outcome recorded",
		zap.String("target_id", id),
		zap.Bool("success", success),
		zap.Float64("success_rate", t.SuccessRate),
		zap.Duration("elapsed", elapsed),
	)
	return t, nil
}

// Pause deactivates a target. In-flight runs are not interrupted.
func (r *Registry) Pause(ctx context.Context, id string) error {
	if err := r.targets.SetTargetActive(ctx, id, false, r.clock.Now()); err != nil {
		return fmt.Errorf("pause target %s: %w", id, err)
	}
	return nil
}

// Reactivate marks a paused target active again.
func (r *Registry) Reactivate(ctx context.Context, id string) error {
	if err := r.targets.SetTargetActive(ctx, id, true, r.clock.Now()); err != nil {
		return fmt.Errorf("reactivate target %s: %w", id, err)
	}
	return nil
}

// NextSuccessRate applies the exponential moving average to one sample.
func NextSuccessRate(current, sample float64) float64 {
	next := (1-SuccessWeight)*current + SuccessWeight*sample
	switch {
	case next < 0:
		return 0
	case next > 1:
		return 1
	default:
		return next
	}
}
