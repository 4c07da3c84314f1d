// Package governance runs the observe→evaluate→decide→execute→record cycle.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/decision"
	"github.com/quorumnet/steward/pkg/executor"
	"github.com/quorumnet/steward/pkg/explain"
	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/govsource"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
)

// rejectionInsufficientConfidence is the actor-visible reason for a decision
// gated out by its level threshold.
const rejectionInsufficientConfidence = "InsufficientConfidence"

// Loop is the governance cycle. One instance runs per process.
type Loop struct {
	clk       clock.Clock
	modes     *mode.State
	source    govsource.Source
	evaluator *decision.Evaluator
	conf      *confidence.Manager
	exec      *executor.Executor
	store     *memory.Store
	builder   *explain.Builder
	eventBus  *bus.Bus
	cadence   config.CadenceConfig
	callTO    time.Duration
	log       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// skipNext is set when the previous tick blew its budget.
	skipNext bool
}

// NewLoop wires the governance cycle.
func NewLoop(clk clock.Clock, modes *mode.State, source govsource.Source,
	evaluator *decision.Evaluator, conf *confidence.Manager, exec *executor.Executor,
	store *memory.Store, builder *explain.Builder, eventBus *bus.Bus,
	cadence config.CadenceConfig, callTimeout time.Duration) *Loop {
	return &Loop{
		clk:       clk,
		modes:     modes,
		source:    source,
		evaluator: evaluator,
		conf:      conf,
		exec:      exec,
		store:     store,
		builder:   builder,
		eventBus:  eventBus,
		cadence:   cadence,
		callTO:    callTimeout,
		log:       slog.Default().With("component", "governance"),
	}
}

// Start launches the loop. Safe to call once.
func (l *Loop) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	l.log.Info("Governance loop started", "interval", l.cadence.GovernanceInterval())
}

// Stop signals the loop and waits for the current tick to drain.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.log.Info("Governance loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		interval := l.cadence.GovernanceInterval()
		// Degraded mode slows the cycle; Paused and Emergency skip it
		// entirely while staying responsive to recovery.
		switch l.modes.Get() {
		case mode.Degraded:
			interval *= 2
		case mode.Paused, mode.Emergency:
			if !l.sleep(ctx, interval) {
				return
			}
			continue
		}

		if l.skipNext {
			l.skipNext = false
			l.log.Warn("Skipping tick after budget overrun")
			if !l.sleep(ctx, interval) {
				return
			}
			continue
		}

		start := l.clk.Now()
		l.tick(ctx)
		elapsed := l.clk.Now().Sub(start)

		if elapsed > l.cadence.TickBudget() {
			l.skipNext = true
			l.publish(bus.TopicErrors, map[string]any{
				"type":      "governance.overloaded",
				"tick_ms":   elapsed.Milliseconds(),
				"budget_ms": l.cadence.TickBudget().Milliseconds(),
			})
		}

		if !l.sleep(ctx, interval) {
			return
		}
	}
}

// sleep waits for d or cancellation, reporting whether to continue.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// tick runs one full cycle: snapshot, build contexts, evaluate, submit,
// record. Within a decision: evaluation precedes admission, admission
// precedes explanation persistence, persistence precedes the completion
// event. An emergency arriving mid-tick stops new submissions; in-flight
// ones drain through the executor.
func (l *Loop) tick(ctx context.Context) {
	snap, err := l.snapshot(ctx)
	if err != nil {
		l.log.Error("Governance snapshot failed", "error", err)
		l.publish(bus.TopicErrors, map[string]any{
			"type": "governance.snapshot_failed", "error": err.Error(),
		})
		return
	}

	contexts := l.buildContexts(snap)
	for _, dctx := range contexts {
		if ctx.Err() != nil {
			return
		}
		if m := l.modes.Get(); m == mode.Emergency || m == mode.Paused {
			l.log.Info("Draining tick without new submissions", "mode", m.String())
			return
		}
		l.process(ctx, dctx)
	}
}

// snapshot reads governance state with the per-call deadline and retry
// policy.
func (l *Loop) snapshot(ctx context.Context) (govsource.Snapshot, error) {
	var snap govsource.Snapshot
	err := fault.Retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, l.callTO)
		defer cancel()
		var err error
		snap, err = l.source.Snapshot(callCtx)
		return err
	})
	return snap, err
}

// buildContexts converts proposals into decision contexts, at most BatchMax
// per tick. Malformed proposals are surfaced as input errors and skipped.
func (l *Loop) buildContexts(snap govsource.Snapshot) []decision.Context {
	contexts := make([]decision.Context, 0, l.cadence.BatchMax)
	for _, proposal := range snap.Proposals {
		if len(contexts) >= l.cadence.BatchMax {
			l.log.Info("Batch cap reached, deferring proposals",
				"deferred", len(snap.Proposals)-len(contexts))
			break
		}

		level, err := decision.ParseLevel(proposal.Level)
		if err != nil {
			l.publish(bus.TopicErrors, map[string]any{
				"type": "governance.invalid_proposal", "proposal_id": proposal.ID,
				"error": fmt.Sprintf("%v", fault.NewInputError("level", err)),
			})
			continue
		}

		inputs := make(map[string]decision.CriterionValue, len(proposal.Criteria))
		for name, v := range proposal.Criteria {
			inputs[name] = decision.Numeric(v)
		}

		contexts = append(contexts, decision.Context{
			ID:        uuid.New().String(),
			CreatedAt: l.clk.Now(),
			Level:     level,
			Inputs:    inputs,
			Tags:      append([]string{"proposal:" + proposal.ID}, proposal.Tags...),
			Proposer:  proposal.Proposer,
			Deadline:  proposal.Deadline,
		})
	}
	return contexts
}

// process runs one decision through evaluation, gating, execution, and
// recording.
func (l *Loop) process(ctx context.Context, dctx decision.Context) {
	eval, err := l.evaluator.Evaluate(dctx)
	if err != nil {
		l.publish(bus.TopicErrors, map[string]any{
			"type": "governance.invalid_context", "decision_id": dctx.ID, "error": err.Error(),
		})
		return
	}
	l.publish(bus.TopicDecisions, decisionEvent(bus.DecisionEvaluated, dctx, eval, ""))

	threshold := l.conf.ThresholdFor(dctx.Level)
	rate, _ := l.conf.SuccessRate(dctx.Level)

	if eval.Confidence < threshold {
		l.record(dctx, eval, decision.StatusRejected, nil, explain.Input{
			Context: dctx, Evaluation: eval, Action: "reject",
			Threshold: threshold, SuccessRate: rate,
		})
		l.publish(bus.TopicDecisions,
			decisionEvent(bus.DecisionRejected, dctx, eval, rejectionInsufficientConfidence))
		return
	}

	l.publish(bus.TopicDecisions, decisionEvent(bus.DecisionApproved, dctx, eval, ""))

	req := executor.Request{
		ID:         dctx.ID + "/action",
		Actor:      dctx.Proposer,
		Kind:       executor.KindPropose,
		NotBefore:  dctx.CreatedAt,
		DecisionID: dctx.ID,
		Level:      dctx.Level,
	}
	if dctx.Deadline != nil {
		req.ExpiresAt = *dctx.Deadline
	}
	if payload, err := json.Marshal(dctx.Inputs); err == nil {
		req.Payload = payload
	}

	result, execErr := l.exec.Execute(ctx, req)

	outcome := &decision.Outcome{
		ID:         req.ID + "/outcome",
		DecisionID: dctx.ID,
		Success:    execErr == nil && result.Success,
		ObservedAt: l.clk.Now(),
		Magnitude:  result.CostDelta,
	}
	status := decision.StatusExecuted
	if execErr != nil {
		outcome.Notes = execErr.Error()
		status = decision.StatusApproved // approved but not executed
		l.log.Warn("Decision execution failed", "decision_id", dctx.ID, "error", execErr)
	} else {
		l.publish(bus.TopicDecisions, decisionEvent(bus.DecisionExecuted, dctx, eval, ""))
	}

	l.record(dctx, eval, status, outcome, explain.Input{
		Context: dctx, Evaluation: eval, Action: "approve",
		Threshold: threshold, SuccessRate: rate,
	})
}

// record persists the immutable decision record. A long-term write failure
// is fatal to the decision: it stays unrecorded and the failure is surfaced.
func (l *Loop) record(dctx decision.Context, eval decision.Evaluation,
	status decision.Status, outcome *decision.Outcome, input explain.Input) {
	expl := l.builder.Build(input)
	explJSON, err := json.Marshal(expl)
	if err != nil {
		l.log.Error("Explanation marshal failed", "decision_id", dctx.ID, "error", err)
		return
	}

	rec := memory.DecisionRecord{
		Context:     dctx,
		Evaluation:  eval,
		Explanation: explJSON,
		Outcome:     outcome,
		Status:      status,
	}
	if status == decision.StatusExecuted || status == decision.StatusApproved {
		rec.Status = decision.StatusRecorded
	}
	if err := l.store.CommitDecision(rec); err != nil {
		l.log.Error("Decision record commit failed", "decision_id", dctx.ID, "error", err)
		l.publish(bus.TopicErrors, map[string]any{
			"type": "governance.record_failed", "decision_id": dctx.ID, "error": err.Error(),
		})
		return
	}

	l.publish(bus.TopicDecisions, map[string]any{
		"type":        bus.DecisionRecorded,
		"decision_id": dctx.ID,
		"status":      string(status),
		"latency_ms":  l.clk.Now().Sub(dctx.CreatedAt).Milliseconds(),
	})
}

func (l *Loop) publish(topic string, payload any) {
	if _, err := l.eventBus.Publish(context.Background(), topic, payload); err != nil {
		l.log.Warn("Event publish failed", "topic", topic, "error", err)
	}
}

func decisionEvent(eventType string, dctx decision.Context, eval decision.Evaluation, reason string) map[string]any {
	ev := map[string]any{
		"type":        eventType,
		"decision_id": dctx.ID,
		"level":       dctx.Level.String(),
		"score":       eval.WeightedScore,
		"confidence":  eval.Confidence,
		"risk":        string(eval.Risk),
	}
	if reason != "" {
		ev["reason"] = reason
	}
	return ev
}
