package opportunity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/metrics"
)

// Reverifier defaults.
const (
	DefaultReverifyInterval = 6 * time.Hour
	DefaultReverifyBatch    = 50
)

// ReverifierConfig controls the background re-verification loop.
type ReverifierConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Reverifier periodically re-scores stale or unverified active records.
type Reverifier struct {
	svc    *Service
	cfg    ReverifierConfig
	logger *zap.Logger
}

// NewReverifier returns a Reverifier for svc.
func NewReverifier(svc *Service, cfg ReverifierConfig) (*Reverifier, error) {
	if svc == nil {
		return nil, errors.New("reverifier: service is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReverifyInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReverifyBatch
	}
	return &Reverifier{svc: svc, cfg: cfg, logger: svc.logger.Named("reverifier")}, nil
}

// Run processes one batch immediately and then every interval until ctx is
// done.
func (r *Reverifier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("re-verification batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce re-verifies one batch and returns how many records were processed.
// A failure on one record does not stop the batch.
func (r *Reverifier) RunOnce(ctx context.Context) (int, error) {
	staleBefore := r.svc.clock.Now().Add(-r.cfg.Interval)
	recs, err := r.svc.repo.ListForReverification(ctx, staleBefore, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		res, err := r.svc.ReVerify(ctx, rec.ID)
		if err != nil {
			metrics.ObserveReverification("error")
			r.logger.Warn("re-verification failed", zap.String("opportunity_id", rec.ID), zap.Error(err))
			continue
		}
		metrics.ObserveReverification(string(res.Status))
		done++
	}
	if len(recs) > 0 {
		r.logger.Info("re-verification batch complete", zap.Int("candidates", len(recs)), zap.Int("processed", done))
	}
	return done, nil
}
