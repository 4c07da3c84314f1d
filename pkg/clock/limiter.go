package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/mode"
)

// Policy is the per-actor cadence/quota pair.
type Policy struct {
	MinInterval time.Duration
	DailyCap    int
}

// actorState tracks one actor's consumption. The day window rolls at UTC
// midnight; the roll is observed lazily under the limiter mutex so a query
// and the reset it triggers are a single atomic step (no quota double-spend
// across the boundary).
type actorState struct {
	policy       Policy
	lastActionAt time.Time
	dailyCount   int
	dayStartedAt time.Time
}

// Limiter enforces per-actor cadence and daily quotas.
type Limiter struct {
	mu       sync.Mutex
	clk      Clock
	modes    *mode.State
	defaults Policy
	actors   map[string]*actorState
}

// NewLimiter creates a limiter with the given default policy for actors that
// have no explicit one. modes gates SetPolicy to Normal/Degraded.
func NewLimiter(clk Clock, modes *mode.State, defaults Policy) *Limiter {
	return &Limiter{
		clk:      clk,
		modes:    modes,
		defaults: defaults,
		actors:   make(map[string]*actorState),
	}
}

// MayAct reports whether the actor may act now. When not, retryAfter is the
// minimum wait before the next attempt can succeed: the remaining cadence
// gap, or — when the daily cap is spent — the time to the next UTC midnight.
func (l *Limiter) MayAct(actor string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	st := l.state(actor, now)
	l.rollover(st, now)

	if !st.lastActionAt.IsZero() {
		if gap := now.Sub(st.lastActionAt); gap < st.policy.MinInterval {
			return false, st.policy.MinInterval - gap
		}
	}
	if st.dailyCount >= st.policy.DailyCap {
		return false, utcDayStart(now).Add(24 * time.Hour).Sub(now)
	}
	return true, 0
}

// Register records a completed act. Call only after the downstream admitted
// the request. Registration that would violate a cap fails with
// fault.ErrQuotaExceeded and records nothing.
func (l *Limiter) Register(actor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	st := l.state(actor, now)
	l.rollover(st, now)

	if !st.lastActionAt.IsZero() {
		if gap := now.Sub(st.lastActionAt); gap < st.policy.MinInterval {
			return fault.NewQuotaError(actor, "minimum interval not elapsed", st.policy.MinInterval-gap)
		}
	}
	if st.dailyCount >= st.policy.DailyCap {
		return fault.NewQuotaError(actor, "daily action cap reached",
			utcDayStart(now).Add(24*time.Hour).Sub(now))
	}

	st.lastActionAt = now
	st.dailyCount++
	return nil
}

// SetPolicy replaces the actor's policy. Allowed only in Normal and Degraded
// modes; the change takes effect atomically for subsequent queries.
func (l *Limiter) SetPolicy(actor string, p Policy) error {
	if m := l.modes.Get(); m != mode.Normal && m != mode.Degraded {
		return fmt.Errorf("rate policy change rejected in mode %s", m)
	}
	if p.MinInterval < 0 || p.DailyCap <= 0 {
		return fault.NewInputError("policy", fmt.Errorf("min_interval must be >= 0 and daily_cap positive"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(actor, l.clk.Now())
	st.policy = p
	return nil
}

// PolicyFor returns the actor's effective policy.
func (l *Limiter) PolicyFor(actor string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(actor, l.clk.Now()).policy
}

// state returns (creating if needed) the actor's tracking entry.
// Caller holds l.mu.
func (l *Limiter) state(actor string, now time.Time) *actorState {
	st, ok := l.actors[actor]
	if !ok {
		st = &actorState{policy: l.defaults, dayStartedAt: utcDayStart(now)}
		l.actors[actor] = st
	}
	return st
}

// rollover lazily resets the daily window when now has crossed UTC midnight.
// Caller holds l.mu.
func (l *Limiter) rollover(st *actorState, now time.Time) {
	if day := utcDayStart(now); day.After(st.dayStartedAt) {
		st.dayStartedAt = day
		st.dailyCount = 0
	}
}
