package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the Hub. Zero values fall back to the package defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// BaseContext parents every sink call. It should outlive run cancellation
	// so that the final drain still reaches the sinks.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnEvery         = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub buffers run events from the workers and delivers them to sinks in
// batches. Emit never blocks the caller; overflow is counted and dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropWarn *rate.Limiter
	dropMu   sync.Mutex
	drops    map[Stage]int64
	dropped  atomic.Int64
	closed   atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts delivery to sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    live,
		in:       make(chan Event, cfg.BufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("progress"),
		dropWarn: rate.NewLimiter(rate.Every(dropWarnEvery), 1),
		drops:    make(map[Stage]int64),
	}
	go h.loop()
	return h
}

// Emit queues evt for delivery. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("invalid progress event discarded",
			zap.String("stage", string(evt.Stage)),
			zap.String("target_id", evt.TargetID),
			zap.Error(err),
		)
		return
	}
	select {
	case h.in <- evt:
	default:
		h.recordDrop(evt.Stage)
	}
}

// Dropped reports how many events were lost to a full buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) recordDrop(stage Stage) {
	h.dropped.Add(1)
	h.dropMu.Lock()
	h.drops[stage]++
	if !h.dropWarn.Allow() {
		h.dropMu.Unlock()
		return
	}
	fields := make([]zap.Field, 0, len(h.drops))
	for s, n := range h.drops {
		fields = append(fields, zap.Int64(string(s), n))
	}
	h.drops = make(map[Stage]int64)
	h.dropMu.Unlock()
	h.logger.Warn("progress buffer full, events dropped", zap.Dict("by_stage", fields...))
}

// Close stops intake, delivers what is buffered and closes the sinks. It is
// safe to call more than once; later calls only wait for the drain.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub drain: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	var timer *time.Timer

	send := func() {
		if timer != nil {
			timer.Stop()
			timer, deadline = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				send()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			timer, deadline = nil, nil
			send()
		case <-h.quit:
			for evt, ok := h.next(); ok; evt, ok = h.next() {
				pending = append(pending, evt)
				if len(pending) >= h.cfg.MaxBatchEvents {
					send()
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

// next receives a buffered event without blocking.
func (h *Hub) next() (Event, bool) {
	select {
	case evt := <-h.in:
		return evt, true
	default:
		return Event{}, false
	}
}

// deliver hands each sink its own copy of batch.
func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		out := append([]Event(nil), batch...)
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink rejected batch", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
