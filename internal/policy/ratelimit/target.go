package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/parjafrica/discovery-engine/internal/discovery"
)

// Window is the period over which a target's rate limit applies.
const Window = time.Minute

// Decision is the outcome of TryAcquire: either a permit or the time to wait
// before asking again.
type Decision struct {
	Granted bool
	Permit  discovery.Permit
	Wait    time.Duration
}

// TargetLimiter is a per-target token bucket with capacity rateLimit that
// returns each token exactly one Window after it was spent. Tracking grant
// times rather than a fractional refill keeps the bound exact: no Window-long
// interval ever contains more than rateLimit grants.
//
// TryAcquire never blocks; suspension is the caller's business.
type TargetLimiter struct {
	mu      sync.Mutex
	clock   discovery.Clock
	window  time.Duration
	grants  map[string][]time.Time
	permits map[uint64]discovery.Permit
	next    uint64
}

// NewTargetLimiter builds a limiter reading time from clock.
func NewTargetLimiter(clock discovery.Clock) *TargetLimiter {
	return &TargetLimiter{
		clock:   clock,
		window:  Window,
		grants:  make(map[string][]time.Time),
		permits: make(map[uint64]discovery.Permit),
	}
}

// TryAcquire spends one of target's tokens if available. Targets without a
// positive RateLimit use discovery.DefaultRateLimit.
func (l *TargetLimiter) TryAcquire(target discovery.SearchTarget) Decision {
	limit := target.RateLimit
	if limit <= 0 {
		limit = discovery.DefaultRateLimit
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prunePermits(now)
	live := l.live(target.ID, now)
	if len(live) >= limit {
		// The oldest grant that must expire before len(live) drops below limit.
		oldest := live[len(live)-limit]
		return Decision{Wait: oldest.Add(l.window).Sub(now)}
	}
	l.grants[target.ID] = append(live, now)
	l.next++
	permit := discovery.Permit{TargetID: target.ID, Token: l.next, IssuedAt: now}
	l.permits[permit.Token] = permit
	return Decision{Granted: true, Permit: permit}
}

// Redeem consumes a permit. Unknown, spent, expired or mismatched permits are
// rejected with discovery.ErrRateLimited.
func (l *TargetLimiter) Redeem(permit discovery.Permit) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	issued, ok := l.permits[permit.Token]
	if !ok {
		return fmt.Errorf("%w: no outstanding permit for target %s", discovery.ErrRateLimited, permit.TargetID)
	}
	if issued.TargetID != permit.TargetID {
		return fmt.Errorf("%w: permit %d belongs to target %s", discovery.ErrRateLimited, permit.Token, issued.TargetID)
	}
	delete(l.permits, permit.Token)
	if now.Sub(issued.IssuedAt) >= l.window {
		return fmt.Errorf("%w: permit for target %s expired", discovery.ErrRateLimited, permit.TargetID)
	}
	return nil
}

// Granted returns how many grants target has in the current window.
func (l *TargetLimiter) Granted(targetID string) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live(targetID, now))
}

// Forget drops all state for a target.
func (l *TargetLimiter) Forget(targetID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.grants, targetID)
	for token, p := range l.permits {
		if p.TargetID == targetID {
			delete(l.permits, token)
		}
	}
}

// live drops expired grants for id and returns the rest, oldest first.
// Callers hold l.mu.
func (l *TargetLimiter) live(id string, now time.Time) []time.Time {
	grants := l.grants[id]
	i := 0
	for i < len(grants) && !now.Before(grants[i].Add(l.window)) {
		i++
	}
	if i > 0 {
		grants = append(grants[:0], grants[i:]...)
		l.grants[id] = grants
	}
	return grants
}

func (l *TargetLimiter) prunePermits(now time.Time) {
	for token, p := range l.permits {
		if now.Sub(p.IssuedAt) >= l.window {
			delete(l.permits, token)
		}
	}
}
