// Package dispatcher runs target runs on a fixed-size worker pool.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/worker"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Runner executes one target run.
type Runner interface {
	Run(ctx context.Context, target discovery.SearchTarget, permit discovery.Permit) worker.Report
}

// Job is one granted run. Done is called with the report once the run ends,
// from the pool goroutine, with a context that outlives shutdown.
type Job struct {
	Target discovery.SearchTarget
	Permit discovery.Permit
	Done   func(ctx context.Context, rep worker.Report)
}

// Config sizes the pool.
type Config struct {
	Workers    int
	RunTimeout time.Duration
}

// Dispatcher fans jobs out to Workers goroutines. Submit hands a job directly
// to an idle goroutine, so nothing is ever queued inside the pool: on shutdown
// only in-flight runs remain.
type Dispatcher struct {
	cfg    Config
	runner Runner
	logger *zap.Logger

	jobs     chan Job
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Dispatcher. Workers below 1 is treated as 1.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.New("dispatcher: runner is required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		runner: runner,
		logger: logger.Named("dispatcher"),
		jobs:   make(chan Job),
		stop:   make(chan struct{}),
	}, nil
}

// Size returns the number of pool goroutines.
func (d *Dispatcher) Size() int { return d.cfg.Workers }

// Start launches the pool. Runs execute under a context detached from ctx's
// cancellation and bounded by RunTimeout, so an in-flight run is never
// force-aborted by shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(slot int) {
			defer d.wg.Done()
			d.loop(base, slot)
		}(i)
	}
	d.logger.Info("worker pool started", zap.Int("workers", d.cfg.Workers))
}

func (d *Dispatcher) loop(base context.Context, slot int) {
	for {
		select {
		case <-d.stop:
			return
		case job := <-d.jobs:
			d.execute(base, slot, job)
		}
	}
}

func (d *Dispatcher) execute(base context.Context, slot int, job Job) {
	ctx := base
	cancel := func() {}
	if d.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.cfg.RunTimeout)
	}
	defer cancel()

	rep := d.runner.Run(ctx, job.Target, job.Permit)
	if job.Done != nil {
		job.Done(base, rep)
	}
	d.logger.Debug("job finished", zap.Int("slot", slot), zap.String("target_id", job.Target.ID))
}

// Submit blocks until an idle pool goroutine accepts job, ctx ends or the
// pool is stopped.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case <-d.stop:
		return ErrStopped
	default:
	}
	select {
	case d.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stop:
		return ErrStopped
	}
}

// Stop prevents new jobs and waits for in-flight runs until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultWorkers returns the number of distinct countries among targets, at
// least 1.
func DefaultWorkers(targets []discovery.SearchTarget) int {
	countries := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		countries[t.Country] = struct{}{}
	}
	return max(1, len(countries))
}
