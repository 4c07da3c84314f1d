package governance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/decision"
	"github.com/quorumnet/steward/pkg/executor"
	"github.com/quorumnet/steward/pkg/explain"
	"github.com/quorumnet/steward/pkg/govsource"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
)

// fakeSource serves a fixed snapshot.
type fakeSource struct {
	snap govsource.Snapshot
}

func (s *fakeSource) Snapshot(context.Context) (govsource.Snapshot, error) { return s.snap, nil }
func (s *fakeSource) Events(context.Context, uint64, int) ([]govsource.Event, error) {
	return nil, nil
}

// fakeSink accepts everything.
type fakeSink struct{ submits int }

func (s *fakeSink) Submit(_ context.Context, req executor.Request) (executor.SinkReceipt, error) {
	s.submits++
	return executor.SinkReceipt{Accepted: true, ID: req.ID}, nil
}

func (s *fakeSink) Status(context.Context, string) (executor.Result, error) {
	return executor.Result{Success: true}, nil
}

type loopHarness struct {
	loop  *Loop
	clk   *clock.Manual
	modes *mode.State
	store *memory.Store
	sink  *fakeSink
	bus   *bus.Bus
}

func newLoopHarness(t *testing.T, proposals []govsource.Proposal) *loopHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	modes := &mode.State{}
	cfg := config.Default()

	store, err := memory.Open(filepath.Join(t.TempDir(), "steward.db"), clk,
		memory.Options{ShortTermTTL: time.Hour, ShortTermMax: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.New(clk, 256, 100*time.Millisecond,
		bus.WithJournal(store, bus.TopicDecisions))
	conf := confidence.NewManager(clk, cfg.Thresholds)
	limiter := clock.NewLimiter(clk, modes, clock.Policy{MinInterval: 0, DailyCap: 1000})
	sink := &fakeSink{}
	exec := executor.New(clk, modes, limiter, store, conf, eventBus, sink, 16, time.Second)

	weights := decision.Weights{
		"financial": 0.30, "security": 0.25, "sentiment": 0.25, "compliance": 0.20,
	}
	evaluator, err := decision.NewEvaluator(decision.EvaluatorParams{
		Weights: decision.WeightTable{
			decision.Advisory: weights, decision.Autonomous: weights, decision.Emergency: weights,
		},
		Required: map[decision.Level][]string{
			decision.Autonomous: {"financial", "security", "sentiment", "compliance"},
		},
	})
	require.NoError(t, err)

	loop := NewLoop(clk, modes, &fakeSource{snap: govsource.Snapshot{Proposals: proposals}},
		evaluator, conf, exec, store, explain.NewBuilder(), eventBus,
		cfg.Cadence, time.Second)
	return &loopHarness{loop: loop, clk: clk, modes: modes, store: store, sink: sink, bus: eventBus}
}

func advisoryProposal(id string) govsource.Proposal {
	return govsource.Proposal{
		ID: id, Proposer: "alice", Level: "advisory",
		Criteria: map[string]float64{
			"financial": 0.9, "security": 0.8, "sentiment": 0.7, "compliance": 0.9,
		},
	}
}

func TestTickApprovesAndRecordsAdvisoryDecision(t *testing.T) {
	h := newLoopHarness(t, []govsource.Proposal{advisoryProposal("p-1")})

	h.loop.tick(context.Background())
	assert.Equal(t, 1, h.sink.submits)

	// Executed decision was durably recorded with evaluation, explanation,
	// and outcome; confidence met the advisory threshold.
	entries, err := h.store.RangeEvents(bus.TopicDecisions, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var recordedID string
	for _, entry := range entries {
		var payload map[string]any
		require.NoError(t, jsonUnmarshal(entry.Payload, &payload))
		if payload["type"] == bus.DecisionRecorded {
			recordedID = payload["decision_id"].(string)
		}
	}
	require.NotEmpty(t, recordedID)

	rec, err := h.store.GetDecision(recordedID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, decision.StatusRecorded, rec.Status)
	assert.InDelta(t, 0.825, rec.Evaluation.WeightedScore, 1e-9)
	assert.GreaterOrEqual(t, rec.Evaluation.Confidence, 0.60)
	assert.NotEmpty(t, rec.Explanation)
	require.NotNil(t, rec.Outcome)
	assert.True(t, rec.Outcome.Success)
}

func TestTickRejectsBelowThreshold(t *testing.T) {
	// Two missing required criteria at Autonomous: confidence 0.8 < 0.85.
	h := newLoopHarness(t, []govsource.Proposal{{
		ID: "p-1", Proposer: "alice", Level: "autonomous",
		Criteria: map[string]float64{"financial": 0.9, "security": 0.9},
	}})

	h.loop.tick(context.Background())
	assert.Equal(t, 0, h.sink.submits)

	entries, err := h.store.RangeEvents(bus.TopicDecisions, 0, 100)
	require.NoError(t, err)

	foundRejection := false
	for _, entry := range entries {
		var payload map[string]any
		require.NoError(t, jsonUnmarshal(entry.Payload, &payload))
		if payload["type"] == bus.DecisionRejected {
			foundRejection = true
			assert.Equal(t, rejectionInsufficientConfidence, payload["reason"])
		}
	}
	assert.True(t, foundRejection)
}

func TestTickSkipsInvalidProposals(t *testing.T) {
	h := newLoopHarness(t, []govsource.Proposal{
		{ID: "bad", Proposer: "alice", Level: "galactic", Criteria: map[string]float64{"financial": 1}},
		advisoryProposal("good"),
	})

	h.loop.tick(context.Background())
	assert.Equal(t, 1, h.sink.submits)
}

func TestTickRespectsBatchMax(t *testing.T) {
	proposals := make([]govsource.Proposal, 12)
	for i := range proposals {
		proposals[i] = advisoryProposal(string(rune('a' + i)))
	}
	h := newLoopHarness(t, proposals)

	h.loop.tick(context.Background())
	assert.Equal(t, config.Default().Cadence.BatchMax, h.sink.submits)
}

func TestEmergencyMidTickStopsNewSubmissions(t *testing.T) {
	h := newLoopHarness(t, []govsource.Proposal{
		advisoryProposal("p-1"), advisoryProposal("p-2"), advisoryProposal("p-3"),
	})

	// Flip to Emergency before the tick: no submissions at all.
	h.modes.Set(mode.Emergency)
	h.loop.tick(context.Background())
	assert.Equal(t, 0, h.sink.submits)
}

func TestDecisionEventsFollowLifecycleOrder(t *testing.T) {
	h := newLoopHarness(t, []govsource.Proposal{advisoryProposal("p-1")})

	h.loop.tick(context.Background())

	entries, err := h.store.RangeEvents(bus.TopicDecisions, 0, 100)
	require.NoError(t, err)

	position := map[string]int{}
	for i, entry := range entries {
		var payload map[string]any
		require.NoError(t, jsonUnmarshal(entry.Payload, &payload))
		position[payload["type"].(string)] = i
	}
	assert.Less(t, position[bus.DecisionEvaluated], position[bus.DecisionApproved])
	assert.Less(t, position[bus.DecisionApproved], position[bus.DecisionExecuted])
	assert.Less(t, position[bus.DecisionExecuted], position[bus.DecisionRecorded])
}

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
