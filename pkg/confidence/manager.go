// Package confidence maintains the adaptive per-level confidence thresholds.
//
// The durable outcome log is the source of truth; the threshold table is a
// materialized view over it, recomputable on restart by replaying outcomes in
// order. Updates are serialized per level.
package confidence

import (
	"math"
	"sync"
	"time"

	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/decision"
)

// Threshold hard bounds. Adjustments clamp here regardless of configuration.
const (
	thresholdFloor = 0.50
	thresholdCeil  = 0.99
)

type outcomeEntry struct {
	success bool
}

type adjustment struct {
	at    time.Time
	delta float64
}

// levelState holds one level's threshold, recent history, and the rolling
// adjustment window. Guarded by its own mutex so levels update independently.
type levelState struct {
	mu        sync.Mutex
	threshold float64
	history   []outcomeEntry
	seen      map[string]struct{}
	window    []adjustment
}

// Manager owns the threshold table.
type Manager struct {
	clk clock.Clock
	cfg config.ThresholdConfig

	levels map[decision.Level]*levelState
}

// NewManager builds the table at the configured starting thresholds.
func NewManager(clk clock.Clock, cfg config.ThresholdConfig) *Manager {
	return &Manager{
		clk: clk,
		cfg: cfg,
		levels: map[decision.Level]*levelState{
			decision.Advisory:   {threshold: cfg.Advisory, seen: make(map[string]struct{})},
			decision.Autonomous: {threshold: cfg.Autonomous, seen: make(map[string]struct{})},
			decision.Emergency:  {threshold: cfg.Emergency, seen: make(map[string]struct{})},
		},
	}
}

// ThresholdFor returns the current required confidence for level.
func (m *Manager) ThresholdFor(level decision.Level) float64 {
	st := m.levels[level]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.threshold
}

// Thresholds returns a snapshot of the whole table.
func (m *Manager) Thresholds() map[decision.Level]float64 {
	out := make(map[decision.Level]float64, len(m.levels))
	for level := range m.levels {
		out[level] = m.ThresholdFor(level)
	}
	return out
}

// SuccessRate returns the recent success rate for level and whether enough
// history exists for it to be meaningful.
func (m *Manager) SuccessRate(level decision.Level) (float64, bool) {
	st := m.levels[level]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rate(m.cfg.MinHistory)
}

// Record folds an outcome into the level's history and applies the
// adjustment rule. Idempotent: an outcome id already recorded for the level
// changes nothing.
//
// Rule: with at least MinHistory outcomes, compute the success rate S over
// the last HistoryWindow outcomes. S above TargetHigh lowers the threshold
// by AdjustmentStep; S below TargetLow raises it; in between it is left
// alone. Every adjustment clamps to [0.50, 0.99] and the cumulative movement
// within AdjustWindow never exceeds MaxDeltaPerWindow.
func (m *Manager) Record(level decision.Level, out decision.Outcome) {
	st := m.levels[level]
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, dup := st.seen[out.ID]; dup {
		return
	}
	st.seen[out.ID] = struct{}{}

	st.history = append(st.history, outcomeEntry{success: out.Success})
	if len(st.history) > m.cfg.HistoryWindow {
		st.history = st.history[len(st.history)-m.cfg.HistoryWindow:]
	}

	rate, ok := st.rate(m.cfg.MinHistory)
	if !ok {
		return
	}

	var delta float64
	switch {
	case rate > m.cfg.TargetHigh:
		delta = -m.cfg.AdjustmentStep
	case rate < m.cfg.TargetLow:
		delta = m.cfg.AdjustmentStep
	default:
		return
	}

	m.apply(st, delta)
}

// apply moves the threshold by delta subject to the window cap and clamps.
// Caller holds st.mu.
func (m *Manager) apply(st *levelState, delta float64) {
	now := m.clk.Now()

	// Drop adjustments that left the rolling window.
	cutoff := now.Add(-m.cfg.AdjustWindow())
	kept := st.window[:0]
	moved := 0.0
	for _, adj := range st.window {
		if adj.at.After(cutoff) {
			kept = append(kept, adj)
			moved += math.Abs(adj.delta)
		}
	}
	st.window = kept

	budget := m.cfg.MaxDeltaPerWindow - moved
	if budget <= 0 {
		return
	}
	if math.Abs(delta) > budget {
		if delta > 0 {
			delta = budget
		} else {
			delta = -budget
		}
	}

	next := st.threshold + delta
	if next < thresholdFloor {
		next = thresholdFloor
	}
	if next > thresholdCeil {
		next = thresholdCeil
	}
	if applied := next - st.threshold; applied != 0 {
		st.threshold = next
		st.window = append(st.window, adjustment{at: now, delta: applied})
	}
}

// rate computes the success rate over the retained history. Caller holds
// st.mu.
func (st *levelState) rate(minHistory int) (float64, bool) {
	if len(st.history) < minHistory {
		return 0, false
	}
	successes := 0
	for _, e := range st.history {
		if e.success {
			successes++
		}
	}
	return float64(successes) / float64(len(st.history)), true
}
