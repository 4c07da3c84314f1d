package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/health"
	"github.com/quorumnet/steward/pkg/mode"
	"github.com/quorumnet/steward/pkg/probe"
)

type orchHarness struct {
	orch  *Orchestrator
	clk   *clock.Manual
	modes *mode.State
	bus   *bus.Bus
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	modes := &mode.State{}
	eventBus := bus.New(clk, 256, 100*time.Millisecond)
	cfg := config.Default().Modes

	orch := New(clk, modes, eventBus, nil, nil, nil, cfg, 0.6)
	return &orchHarness{orch: orch, clk: clk, modes: modes, bus: eventBus}
}

func signalEvent(eventType string) bus.Event {
	return bus.Event{Payload: map[string]any{"type": eventType}}
}

func TestDegradedSignalMovesNormalToDegraded(t *testing.T) {
	h := newOrchHarness(t)

	h.orch.handleSignal(context.Background(), signalEvent(bus.SignalDegraded))
	assert.Equal(t, mode.Degraded, h.modes.Get())

	// Degraded signal while already degraded changes nothing.
	h.orch.handleSignal(context.Background(), signalEvent(bus.SignalDegraded))
	assert.Equal(t, mode.Degraded, h.modes.Get())
}

func TestEmergencySignalFromAnyMode(t *testing.T) {
	for _, from := range []mode.Mode{mode.Normal, mode.Degraded, mode.Paused} {
		h := newOrchHarness(t)
		h.modes.Set(from)
		h.orch.handleSignal(context.Background(), signalEvent(bus.SignalEmergency))
		assert.Equal(t, mode.Emergency, h.modes.Get(), "from %s", from)
	}
}

func TestHealthyScoreReturnsDegradedToNormal(t *testing.T) {
	h := newOrchHarness(t)
	h.modes.Set(mode.Degraded)

	// Below the hysteresis band: stays degraded.
	h.orch.handleHealth(bus.Event{Payload: map[string]any{"type": "health.snapshot", "score": 0.65}})
	assert.Equal(t, mode.Degraded, h.modes.Get())

	h.orch.handleHealth(bus.Event{Payload: map[string]any{"type": "health.snapshot", "score": 0.9}})
	assert.Equal(t, mode.Normal, h.modes.Get())
}

func TestSustainedDegradationEscalatesToPaused(t *testing.T) {
	h := newOrchHarness(t)

	h.orch.handleSignal(context.Background(), signalEvent(bus.SignalDegraded))
	require.Equal(t, mode.Degraded, h.modes.Get())

	h.orch.checkGrace(context.Background())
	assert.Equal(t, mode.Degraded, h.modes.Get(), "still within grace")

	h.clk.Advance(config.Default().Modes.PausedGrace())
	h.orch.checkGrace(context.Background())
	assert.Equal(t, mode.Paused, h.modes.Get())
}

func TestRecoverOnlyAppliesInEmergency(t *testing.T) {
	h := newOrchHarness(t)

	require.Error(t, h.orch.Recover(context.Background()))

	h.modes.Set(mode.Emergency)
	require.NoError(t, h.orch.Recover(context.Background()))
	assert.Equal(t, mode.Paused, h.modes.Get())
}

func TestResumeRequiresHealthySnapshot(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	modes := &mode.State{}
	eventBus := bus.New(clk, 256, 100*time.Millisecond)
	monitor := health.NewMonitor(clk, unhealthyProbe{}, eventBus, nil, nil, nil,
		config.Default().Health, time.Second, health.NewMetrics())

	orch := New(clk, modes, eventBus, nil, monitor, nil, config.Default().Modes, 0.6)
	modes.Set(mode.Paused)

	// No snapshot yet.
	require.Error(t, orch.Resume(context.Background()))
}

type unhealthyProbe struct{}

func (unhealthyProbe) Snapshot(context.Context) (probe.Snapshot, error) {
	return probe.Snapshot{CPUPct: 100, MemPct: 100}, nil
}

func TestPauseFromNormal(t *testing.T) {
	h := newOrchHarness(t)

	require.NoError(t, h.orch.Pause(context.Background()))
	assert.Equal(t, mode.Paused, h.modes.Get())

	require.Error(t, h.orch.Pause(context.Background()))
}

func TestModeTransitionsArePublished(t *testing.T) {
	h := newOrchHarness(t)
	sub := h.bus.Subscribe(bus.TopicModes, bus.StreamTelemetry)

	h.orch.handleSignal(context.Background(), signalEvent(bus.SignalDegraded))

	ev := <-sub.C()
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, bus.ModeTransitioned, payload["type"])
	assert.Equal(t, "normal", payload["from"])
	assert.Equal(t, "degraded", payload["to"])
}
