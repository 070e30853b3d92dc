// Package scheduler decides which target runs next. Each target moves through
// Idle -> Running -> Idle, or Paused after a configuration error, too many
// consecutive failures or an operator pause. At most one run per target is in
// flight; across targets the queue orders by priority, then eligibility.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/dispatcher"
	"github.com/parjafrica/discovery-engine/internal/metrics"
	"github.com/parjafrica/discovery-engine/internal/policy/ratelimit"
	"github.com/parjafrica/discovery-engine/internal/store"
	"github.com/parjafrica/discovery-engine/internal/worker"
)

// State is a target's scheduling state.
type State string

// Target states.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Pause reasons reported to metrics and logs.
const (
	ReasonConfig   = "config_error"
	ReasonFailures = "consecutive_failures"
	ReasonOperator = "operator"
	ReasonInactive = "inactive"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultRunInterval        = time.Hour
	DefaultBackoffBase        = 30 * time.Second
	DefaultBackoffMax         = 30 * time.Minute
	DefaultRateLimitedBackoff = 2 * time.Minute
	DefaultFailureThreshold   = 5
)

// ErrUnknownTarget is returned for ids the scheduler has never loaded.
var ErrUnknownTarget = errors.New("unknown target")

// Config tunes scheduling.
type Config struct {
	RunInterval        time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RateLimitedBackoff time.Duration
	FailureThreshold   int
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = DefaultRunInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.RateLimitedBackoff <= 0 {
		c.RateLimitedBackoff = DefaultRateLimitedBackoff
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	return c
}

// Registry is the target source and the place pauses are persisted.
type Registry interface {
	ListAll(ctx context.Context, country string) ([]discovery.SearchTarget, error)
	Pause(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error
}

// Limiter grants per-target fetch permits.
type Limiter interface {
	TryAcquire(target discovery.SearchTarget) ratelimit.Decision
}

// BotStatusWriter records the operational status of a country's bot.
type BotStatusWriter interface {
	SetBotStatus(ctx context.Context, id string, status discovery.BotStatus, at time.Time) error
}

// Submitter hands granted runs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job dispatcher.Job) error
}

// TargetStatus is a read-only view of one target's scheduling state.
type TargetStatus struct {
	TargetID            string              `json:"target_id"`
	Name                string              `json:"name"`
	Country             string              `json:"country"`
	Priority            int                 `json:"priority"`
	State               State               `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	EligibleAt          time.Time           `json:"eligible_at"`
	LastErrorKind       discovery.ErrorKind `json:"last_error_kind,omitempty"`
	LastRun             *time.Time          `json:"last_run,omitempty"`
}

// Scheduler owns the per-target state machine and the run queue.
type Scheduler struct {
	cfg      Config
	registry Registry
	limiter  Limiter
	bots     BotStatusWriter
	clock    discovery.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	entries    map[string]*entry
	queue      *runQueue
	lastReload time.Time
	// botStatus is the last status written per country.
	botStatus map[string]discovery.BotStatus

	wake chan struct{}
}

// New creates a Scheduler. Call Reload before the first Next. bots may be nil,
// in which case bot statuses are left alone.
func New(cfg Config, registry Registry, limiter Limiter, bots BotStatusWriter, clock discovery.Clock, logger *zap.Logger) (*Scheduler, error) {
	if registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if limiter == nil {
		return nil, errors.New("scheduler: limiter is required")
	}
	if clock == nil {
		return nil, errors.New("scheduler: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		limiter:   limiter,
		bots:      bots,
		clock:     clock,
		logger:    logger.Named("scheduler"),
		entries:   make(map[string]*entry),
		queue:     newRunQueue(),
		botStatus: make(map[string]discovery.BotStatus),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Reload syncs state with the registry. New active targets become eligible
// immediately; targets marked inactive are paused; configuration changes are
// picked up without disturbing failure counters or running state.
func (s *Scheduler) Reload(ctx context.Context) error {
	targets, err := s.registry.ListAll(ctx, "")
	if err != nil {
		return fmt.Errorf("reload targets: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	s.lastReload = now

	seen := make(map[string]struct{}, len(targets))
	countries := make(map[string]struct{})
	for _, t := range targets {
		seen[t.ID] = struct{}{}
		countries[t.Country] = struct{}{}
		e, ok := s.entries[t.ID]
		if !ok {
			e = &entry{target: t, eligibleAt: now, index: -1}
			s.entries[t.ID] = e
			if t.IsActive {
				e.state = StateIdle
				s.queue.add(e)
			} else {
				e.state = StatePaused
				e.pauseReason = ReasonInactive
			}
			continue
		}
		if e.persisting {
			t.IsActive = false
		}
		e.target = t
		switch {
		case !t.IsActive && e.state == StateIdle:
			s.pauseLocked(e, ReasonInactive)
		case !t.IsActive && e.state == StateRunning:
			e.pauseRequested = true
		case t.IsActive && e.state == StatePaused:
			e.failures = 0
			e.pauseReason = ""
			e.state = StateIdle
			e.eligibleAt = now
			s.queue.add(e)
		default:
			s.queue.fix(e)
		}
	}
	for id, e := range s.entries {
		if _, ok := seen[id]; ok || e.state == StateRunning {
			continue
		}
		s.queue.remove(e)
		delete(s.entries, id)
	}
	metrics.SetQueuedTargets(s.queue.Len())
	s.mu.Unlock()

	for country := range countries {
		s.syncBot(ctx, country)
	}
	s.signal()
	return nil
}

// Next returns the next runnable target with its permit and marks it
// Running. When nothing can run now it returns ok=false and how long to wait
// (0 when no target is queued). A target whose bucket is empty is moved to
// now+wait without being run.
func (s *Scheduler) Next() (discovery.SearchTarget, discovery.Permit, time.Duration, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { metrics.SetQueuedTargets(s.queue.Len()) }()

	for {
		e, wait := s.queue.pop(now)
		if e == nil {
			return discovery.SearchTarget{}, discovery.Permit{}, wait, false
		}
		decision := s.limiter.TryAcquire(e.target)
		if !decision.Granted {
			e.eligibleAt = now.Add(max(decision.Wait, time.Second))
			s.queue.add(e)
			metrics.ObserveLimiterWait()
			s.logger.Debug("target deferred by rate limit",
				zap.String("target_id", e.target.ID),
				zap.Duration("wait", decision.Wait),
			)
			continue
		}
		e.state = StateRunning
		return e.target, decision.Permit, 0, true
	}
}

// Release returns a target taken by Next that was never run (for example
// because shutdown began before a worker accepted it).
func (s *Scheduler) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.state != StateRunning {
		return
	}
	if e.pauseRequested {
		s.pauseLocked(e, ReasonOperator)
		return
	}
	e.state = StateIdle
	s.queue.add(e)
}

// Complete applies a finished run to the state machine and returns the
// target's new state. ctx is used to persist automatic pauses.
func (s *Scheduler) Complete(ctx context.Context, rep worker.Report) State {
	now := s.clock.Now()
	s.mu.Lock()
	e, ok := s.entries[rep.TargetID]
	if !ok {
		s.mu.Unlock()
		return ""
	}
	e.lastRun = now
	if rep.RateRecorded {
		e.target.SuccessRate = rep.SuccessRate
	}
	persist := ""

	switch {
	case rep.Succeeded:
		e.failures = 0
		e.lastKind = ""
		e.eligibleAt = now.Add(s.cfg.RunInterval)
	case rep.Kind == discovery.KindConfig:
		e.failures++
		e.lastKind = rep.Kind
		persist = ReasonConfig
	default:
		e.failures++
		e.lastKind = rep.Kind
		if e.failures >= s.cfg.FailureThreshold {
			persist = ReasonFailures
		} else {
			e.eligibleAt = now.Add(s.Backoff(rep.Kind, e.failures))
		}
	}

	switch {
	case persist != "":
		s.pauseLocked(e, persist)
		e.persisting = true
	case e.pauseRequested:
		s.pauseLocked(e, ReasonOperator)
	default:
		e.state = StateIdle
		s.queue.add(e)
	}
	state := e.state
	target := e.target
	failures := e.failures
	metrics.SetQueuedTargets(s.queue.Len())
	s.mu.Unlock()

	if persist != "" {
		metrics.ObserveTargetPaused(persist)
		s.logger.Warn("target auto-paused",
			zap.String("target_id", target.ID),
			zap.String("reason", persist),
			zap.Int("consecutive_failures", failures),
			zap.String("error_kind", string(rep.Kind)),
		)
		if err := s.registry.Pause(ctx, target.ID); err != nil {
			s.logger.Error("persist pause failed", zap.String("target_id", target.ID), zap.Error(err))
		}
		s.mu.Lock()
		e.persisting = false
		s.mu.Unlock()
	}
	s.syncBot(ctx, target.Country)
	s.signal()
	return state
}

// Backoff returns the delay after the n-th consecutive failure of kind.
// Permanent fetch errors are not retried early and wait a full run interval.
func (s *Scheduler) Backoff(kind discovery.ErrorKind, n int) time.Duration {
	if kind == discovery.KindPermanentFetch {
		return s.cfg.RunInterval
	}
	base := s.cfg.BackoffBase
	if kind == discovery.KindRateLimited {
		base = s.cfg.RateLimitedBackoff
	}
	return ExponentialBackoff(base, s.cfg.BackoffMax, n)
}

// ExponentialBackoff returns base*2^(n-1) capped at limit.
func ExponentialBackoff(base, limit time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}

// Pause stops scheduling id and persists isActive=false. A running target
// finishes its run first.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	if err := s.registry.Pause(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.target.IsActive = false
	switch e.state {
	case StateRunning:
		e.pauseRequested = true
	case StateIdle:
		s.pauseLocked(e, ReasonOperator)
	}
	metrics.SetQueuedTargets(s.queue.Len())
	country := e.target.Country
	s.mu.Unlock()
	s.syncBot(ctx, country)
	return nil
}

// Reactivate persists isActive=true, resets the failure counter and makes id
// eligible immediately.
func (s *Scheduler) Reactivate(ctx context.Context, id string) error {
	if err := s.registry.Reactivate(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.target.IsActive = true
	e.failures = 0
	e.lastKind = ""
	e.pauseRequested = false
	e.pauseReason = ""
	if e.state == StatePaused {
		e.state = StateIdle
		e.eligibleAt = s.clock.Now()
		s.queue.add(e)
		metrics.SetQueuedTargets(s.queue.Len())
	}
	country := e.target.Country
	s.mu.Unlock()

	s.syncBot(ctx, country)
	s.signal()
	return nil
}

// pauseLocked moves e to Paused. Callers hold s.mu.
func (s *Scheduler) pauseLocked(e *entry, reason string) {
	s.queue.remove(e)
	e.state = StatePaused
	e.pauseRequested = false
	e.pauseReason = reason
	e.target.IsActive = false
	s.logger.Info("target paused", zap.String("target_id", e.target.ID), zap.String("reason", reason))
}

// syncBot writes the status of country's bot when it changed: active while
// any of its targets can run, error once every target is paused and at least
// one of them was paused for failing, paused otherwise.
func (s *Scheduler) syncBot(ctx context.Context, country string) {
	if s.bots == nil || country == "" {
		return
	}
	s.mu.Lock()
	status, known := s.botStatusLocked(country)
	if !known || s.botStatus[country] == status {
		s.mu.Unlock()
		return
	}
	s.botStatus[country] = status
	s.mu.Unlock()

	botID := discovery.BotIDForCountry(country)
	if err := s.bots.SetBotStatus(ctx, botID, status, s.clock.Now()); err != nil {
		s.mu.Lock()
		delete(s.botStatus, country)
		s.mu.Unlock()
		s.logger.Warn("update bot status failed", zap.String("bot_id", botID), zap.String("status", string(status)), zap.Error(err))
		return
	}
	s.logger.Info("bot status changed", zap.String("bot_id", botID), zap.String("status", string(status)))
}

func (s *Scheduler) botStatusLocked(country string) (discovery.BotStatus, bool) {
	known, failing := false, false
	for _, e := range s.entries {
		if e.target.Country != country {
			continue
		}
		known = true
		if e.state != StatePaused {
			return discovery.BotActive, true
		}
		if e.pauseReason == ReasonFailures || e.pauseReason == ReasonConfig {
			failing = true
		}
	}
	if failing {
		return discovery.BotError, known
	}
	return discovery.BotPaused, known
}

// Status returns the state of id.
func (s *Scheduler) Status(id string) (TargetStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return TargetStatus{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return e.status(), nil
}

// Snapshot lists every known target ordered by priority desc, then id.
func (s *Scheduler) Snapshot() []TargetStatus {
	s.mu.Lock()
	out := make([]TargetStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// Targets returns the loaded targets.
func (s *Scheduler) Targets() []discovery.SearchTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]discovery.SearchTarget, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.target)
	}
	return out
}

func (e *entry) status() TargetStatus {
	st := TargetStatus{
		TargetID:            e.target.ID,
		Name:                e.target.Name,
		Country:             e.target.Country,
		Priority:            e.target.Priority,
		State:               e.state,
		ConsecutiveFailures: e.failures,
		EligibleAt:          e.eligibleAt,
		LastErrorKind:       e.lastKind,
	}
	if !e.lastRun.IsZero() {
		last := e.lastRun
		st.LastRun = &last
	}
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the queue until ctx ends: it reloads targets every run
// interval, submits runnable targets to pool and sleeps until the next
// target becomes eligible or state changes. Queued targets are simply
// dropped on shutdown; runs already handed to the pool finish there.
func (s *Scheduler) Run(ctx context.Context, pool Submitter) error {
	if pool == nil {
		return errors.New("scheduler: pool is required")
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.reloadDue() {
			if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("target reload failed", zap.Error(err))
			}
		}

		target, permit, wait, ok := s.Next()
		if ok {
			job := dispatcher.Job{Target: target, Permit: permit, Done: func(ctx context.Context, rep worker.Report) {
				s.Complete(ctx, rep)
			}}
			if err := pool.Submit(ctx, job); err != nil {
				s.Release(target.ID)
				if ctx.Err() != nil || errors.Is(err, dispatcher.ErrStopped) {
					return nil
				}
				return fmt.Errorf("submit run: %w", err)
			}
			continue
		}

		sleep := s.untilReload()
		if wait > 0 && wait < sleep {
			sleep = wait
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) reloadDue() bool {
	return s.untilReload() <= 0
}

func (s *Scheduler) untilReload() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReload.Add(s.cfg.RunInterval).Sub(s.clock.Now())
}

// IsNotFound reports whether err means the target does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrUnknownTarget)
}
