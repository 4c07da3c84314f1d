// Package orchestrator owns the operating mode and the component lifecycle.
//
// Mode transitions:
//
//	Normal ↔ Degraded        health signal driven
//	Degraded → Paused        operator request, or sustained degradation
//	any → Emergency          emergency signal; loops drain and stop
//	Emergency → Paused       explicit Recover() after acknowledgement
//	Paused → Normal          explicit Resume(), only on a healthy snapshot
//
// The orchestrator is the only writer of the mode value; every component
// reads it through the shared atomic accessor.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumnet/steward/pkg/alerting"
	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/health"
	"github.com/quorumnet/steward/pkg/mode"
)

// Component is anything with the core start/stop lifecycle. Startup runs in
// registration order; shutdown in reverse.
type Component interface {
	Start(ctx context.Context)
	Stop()
}

// ExecutorDrain is the executor view used while draining.
type ExecutorDrain interface {
	QueueDepths() map[string]int
}

// Orchestrator coordinates lifecycle and the emergency regime.
type Orchestrator struct {
	clk      clock.Clock
	modes    *mode.State
	eventBus *bus.Bus
	alerts   *alerting.Service
	monitor  *health.Monitor
	exec     ExecutorDrain
	cfg      config.ModesConfig

	// healthyFloor is the minimum last-snapshot score Resume accepts; it
	// mirrors the health monitor's warn threshold.
	healthyFloor float64

	log *slog.Logger

	components []Component

	cancel context.CancelFunc
	done   chan struct{}

	degradedSince time.Time
}

// New creates the orchestrator. Components are started in the order given
// and stopped in reverse.
func New(clk clock.Clock, modes *mode.State, eventBus *bus.Bus,
	alerts *alerting.Service, monitor *health.Monitor, exec ExecutorDrain,
	cfg config.ModesConfig, healthyFloor float64, components ...Component) *Orchestrator {
	return &Orchestrator{
		clk:          clk,
		modes:        modes,
		eventBus:     eventBus,
		alerts:       alerts,
		monitor:      monitor,
		exec:         exec,
		cfg:          cfg,
		healthyFloor: healthyFloor,
		log:          slog.Default().With("component", "orchestrator"),
		components:   components,
	}
}

// Start brings up every component and begins watching mode signals.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	for _, c := range o.components {
		c.Start(ctx)
	}
	go o.watch(ctx)
	o.log.Info("Orchestrator started", "components", len(o.components))
}

// Stop shuts every component down in reverse order, then the watcher.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	for i := len(o.components) - 1; i >= 0; i-- {
		o.components[i].Stop()
	}
	o.cancel()
	<-o.done
	o.log.Info("Orchestrator stopped")
}

// Mode returns the current operating mode.
func (o *Orchestrator) Mode() mode.Mode { return o.modes.Get() }

// watch consumes health/emergency signals and the degradation grace timer.
func (o *Orchestrator) watch(ctx context.Context) {
	defer close(o.done)

	sub := o.eventBus.Subscribe(bus.TopicModes, bus.StreamTelemetry)
	defer o.eventBus.Unsubscribe(sub)
	healthSub := o.eventBus.Subscribe(bus.TopicHealth, bus.StreamTelemetry)
	defer o.eventBus.Unsubscribe(healthSub)

	graceTicker := time.NewTicker(time.Second)
	defer graceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			o.handleSignal(ctx, ev)

		case ev, ok := <-healthSub.C():
			if !ok {
				return
			}
			o.handleHealth(ev)

		case <-graceTicker.C:
			o.checkGrace(ctx)
		}
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	switch payload["type"] {
	case bus.SignalDegraded:
		if o.modes.CompareAndSwap(mode.Normal, mode.Degraded) {
			o.degradedSince = o.clk.Now()
			o.announce(ctx, mode.Normal, mode.Degraded, "health degraded")
		}
	case bus.SignalEmergency:
		o.enterEmergency(ctx, fmt.Sprintf("emergency signal: %v", payload))
	}
}

// handleHealth returns Degraded to Normal once a healthy snapshot arrives.
func (o *Orchestrator) handleHealth(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	score, ok := payload["score"].(float64)
	if !ok {
		return
	}
	// Hysteresis above the warn threshold so the mode does not flap around
	// the boundary.
	if o.modes.Get() == mode.Degraded && score >= o.healthyFloor+0.1 {
		if o.modes.CompareAndSwap(mode.Degraded, mode.Normal) {
			o.announce(context.Background(), mode.Degraded, mode.Normal, "health recovered")
		}
	}
}

// checkGrace escalates sustained degradation to Paused.
func (o *Orchestrator) checkGrace(ctx context.Context) {
	if o.modes.Get() != mode.Degraded || o.degradedSince.IsZero() {
		return
	}
	if o.clk.Now().Sub(o.degradedSince) >= o.cfg.PausedGrace() {
		if o.modes.CompareAndSwap(mode.Degraded, mode.Paused) {
			o.announce(ctx, mode.Degraded, mode.Paused,
				fmt.Sprintf("degraded beyond grace %s", o.cfg.PausedGrace()))
		}
	}
}

// enterEmergency transitions to Emergency from any mode, drains in-flight
// work, and runs the pre-declared emergency actions.
func (o *Orchestrator) enterEmergency(ctx context.Context, reason string) {
	from := o.modes.Get()
	if from == mode.Emergency {
		return
	}
	o.modes.Set(mode.Emergency)
	o.announce(ctx, from, mode.Emergency, reason)
	o.log.Error("Emergency mode entered", "from", from.String(), "reason", reason)

	o.drain(ctx)

	// Pre-declared emergency actions: the durable store is already synced on
	// every commit, so the remaining action is the operator alert.
	o.alerts.Alert(ctx, alerting.SeverityCritical, "Emergency mode entered", map[string]any{
		"from":   from.String(),
		"reason": reason,
	})
}

// drain waits for in-flight executor work to settle, bounded by the drain
// deadline. Loops stop submitting the moment the mode flips, so the queues
// only shrink.
func (o *Orchestrator) drain(ctx context.Context) {
	if o.exec == nil {
		return
	}
	deadline := o.clk.Now().Add(o.cfg.DrainDeadline())
	for o.clk.Now().Before(deadline) {
		pending := 0
		for _, depth := range o.exec.QueueDepths() {
			pending += depth
		}
		if pending == 0 {
			o.log.Info("In-flight work drained")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	o.log.Warn("Drain deadline expired with work pending", "deadline", o.cfg.DrainDeadline())
}

// Pause moves Normal or Degraded to Paused on operator request.
func (o *Orchestrator) Pause(ctx context.Context) error {
	from := o.modes.Get()
	if from != mode.Normal && from != mode.Degraded {
		return fmt.Errorf("cannot pause from %s", from)
	}
	o.modes.Set(mode.Paused)
	o.announce(ctx, from, mode.Paused, "operator pause")
	return nil
}

// Recover acknowledges an emergency, re-entering Paused. It is the only exit
// from Emergency.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if !o.modes.CompareAndSwap(mode.Emergency, mode.Paused) {
		return fmt.Errorf("recover only applies in emergency mode, current %s", o.modes.Get())
	}
	o.announce(ctx, mode.Emergency, mode.Paused, "operator recovery")
	return nil
}

// Resume moves Paused back to Normal, but only when the latest health
// snapshot is healthy.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.modes.Get() != mode.Paused {
		return fmt.Errorf("resume only applies while paused, current %s", o.modes.Get())
	}
	last := o.monitor.Last()
	if last == nil {
		return fmt.Errorf("no health snapshot yet; refusing to resume")
	}
	if last.Score < o.healthyFloor {
		return fmt.Errorf("last health score %.2f is not healthy; refusing to resume", last.Score)
	}
	if !o.modes.CompareAndSwap(mode.Paused, mode.Normal) {
		return fmt.Errorf("mode changed concurrently, current %s", o.modes.Get())
	}
	o.announce(ctx, mode.Paused, mode.Normal, "operator resume")
	return nil
}

// announce publishes and alerts a mode transition.
func (o *Orchestrator) announce(ctx context.Context, from, to mode.Mode, reason string) {
	o.log.Info("Mode transition", "from", from.String(), "to", to.String(), "reason", reason)
	if _, err := o.eventBus.Publish(ctx, bus.TopicModes, map[string]any{
		"type":   bus.ModeTransitioned,
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	}); err != nil {
		o.log.Warn("Mode event publish failed", "error", err)
	}
	if to == mode.Emergency || to == mode.Paused {
		o.alerts.Alert(ctx, alerting.SeverityWarning,
			fmt.Sprintf("Operating mode: %s → %s", from, to),
			map[string]any{"reason": reason})
	}
}
