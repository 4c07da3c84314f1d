package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/confidence"
	"github.com/quorumnet/steward/pkg/decision"
	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
)

// lane serializes execution per (actor, kind): one request in flight, up to
// queueMax more waiting, anything beyond fails with Overloaded.
type lane struct {
	slot   chan struct{}
	mu     sync.Mutex
	queued int
}

// Executor guards every action the core takes.
type Executor struct {
	clk      clock.Clock
	modes    *mode.State
	limiter  *clock.Limiter
	store    *memory.Store
	conf     *confidence.Manager
	eventBus *bus.Bus
	sink     Sink
	log      *slog.Logger

	queueMax int
	timeout  time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates an executor.
func New(clk clock.Clock, modes *mode.State, limiter *clock.Limiter,
	store *memory.Store, conf *confidence.Manager, eventBus *bus.Bus,
	sink Sink, queueMax int, timeout time.Duration) *Executor {
	return &Executor{
		clk:      clk,
		modes:    modes,
		limiter:  limiter,
		store:    store,
		conf:     conf,
		eventBus: eventBus,
		sink:     sink,
		log:      slog.Default().With("component", "executor"),
		queueMax: queueMax,
		timeout:  timeout,
		lanes:    make(map[string]*lane),
	}
}

// Execute admits and runs one request. Admission order per actor is FIFO
// within a lane. The admission pipeline is: mode gate, validity window, rate
// limit, spending pre-deduction, lane slot, downstream submit. On downstream
// failure a staged deduction is credited back; both directions are
// idempotent by request id.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Actor == "" {
		return Result{}, fault.NewInputError("actor", fmt.Errorf("empty actor"))
	}

	if err := e.modeGate(req.Kind); err != nil {
		return Result{}, err
	}

	now := e.clk.Now()
	if now.Before(req.NotBefore) {
		return Result{}, fault.NewInputError("not_before",
			fmt.Errorf("request %s not executable before %s", req.ID, req.NotBefore.Format(time.RFC3339)))
	}
	if !req.ExpiresAt.IsZero() && !now.Before(req.ExpiresAt) {
		return Result{}, fault.NewInputError("expires_at",
			fmt.Errorf("request %s expired at %s", req.ID, req.ExpiresAt.Format(time.RFC3339)))
	}

	if ok, retryAfter := e.limiter.MayAct(req.Actor); !ok {
		return Result{}, fault.NewQuotaError(req.Actor, "action rate limit", retryAfter)
	}

	if req.Kind.Spending() {
		if req.Cost == nil {
			return Result{}, fault.NewInputError("cost",
				fmt.Errorf("spending request %s carries no cost", req.ID))
		}
		if err := e.store.PreDeduct(req.ID, req.Actor, req.Cost.Asset, req.Cost.Amount); err != nil {
			return Result{}, err
		}
	}

	release, err := e.acquireLane(ctx, req)
	if err != nil {
		e.compensate(req)
		return Result{}, err
	}
	defer release()

	result, err := e.submit(ctx, req)
	if err != nil {
		e.compensate(req)
		e.recordOutcome(req, Result{Success: false}, err)
		return Result{}, err
	}

	if regErr := e.limiter.Register(req.Actor); regErr != nil {
		// Downstream already executed; the quota breach is recorded, not
		// rolled back.
		e.log.Warn("Rate registration failed after execution",
			"request_id", req.ID, "actor", req.Actor, "error", regErr)
	}

	if req.Kind.Spending() {
		if err := e.store.CommitDeduction(req.ID); err != nil {
			return Result{}, fmt.Errorf("settle deduction %s: %w", req.ID, err)
		}
	}

	e.recordOutcome(req, result, nil)
	return result, nil
}

// modeGate applies the operating-mode admission rule: Paused admits only
// emergency-stop; Emergency admits nothing.
func (e *Executor) modeGate(kind Kind) error {
	switch e.modes.Get() {
	case mode.Emergency:
		return fmt.Errorf("%w: executor accepts no requests in emergency mode", fault.ErrOverloaded)
	case mode.Paused:
		if kind != KindEmergencyStop {
			return fmt.Errorf("%w: only emergency-stop admitted while paused", fault.ErrOverloaded)
		}
	}
	return nil
}

// acquireLane takes the (actor, kind) slot, queueing up to queueMax.
func (e *Executor) acquireLane(ctx context.Context, req Request) (func(), error) {
	key := req.Actor + "|" + string(req.Kind)

	e.mu.Lock()
	ln, ok := e.lanes[key]
	if !ok {
		ln = &lane{slot: make(chan struct{}, 1)}
		e.lanes[key] = ln
	}
	e.mu.Unlock()

	// queued counts the in-flight request plus the waiters, so capacity is
	// one executing plus queueMax queued.
	ln.mu.Lock()
	if ln.queued >= e.queueMax+1 {
		ln.mu.Unlock()
		return nil, fmt.Errorf("%w: %d requests already queued for %s/%s",
			fault.ErrOverloaded, e.queueMax, req.Actor, req.Kind)
	}
	ln.queued++
	ln.mu.Unlock()

	dequeue := func() {
		ln.mu.Lock()
		ln.queued--
		ln.mu.Unlock()
	}

	select {
	case ln.slot <- struct{}{}:
	case <-ctx.Done():
		dequeue()
		return nil, ctx.Err()
	}

	return func() {
		<-ln.slot
		dequeue()
	}, nil
}

// submit runs the downstream call with the per-call deadline and the core
// retry policy. The sink is idempotent by request id, so retries are safe.
func (e *Executor) submit(ctx context.Context, req Request) (Result, error) {
	var receipt SinkReceipt
	err := fault.Retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var err error
		receipt, err = e.sink.Submit(callCtx, req)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("submit %s: %w", req.ID, err)
	}
	if !receipt.Accepted {
		return Result{}, fmt.Errorf("request %s rejected downstream: %s", req.ID, receipt.Reason)
	}

	var result Result
	err = fault.Retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var err error
		result, err = e.sink.Status(callCtx, receipt.ID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("status %s: %w", req.ID, err)
	}
	return result, nil
}

// compensate credits back a staged deduction. Idempotent; no-op for
// non-spending requests.
func (e *Executor) compensate(req Request) {
	if !req.Kind.Spending() {
		return
	}
	if err := e.store.CreditDeduction(req.ID); err != nil {
		e.log.Error("Compensating credit failed", "request_id", req.ID, "error", err)
	}
}

// recordOutcome feeds the execution result back to memory and the
// confidence manager, and publishes an action event.
func (e *Executor) recordOutcome(req Request, result Result, execErr error) {
	if req.DecisionID == "" {
		return
	}

	out := decision.Outcome{
		ID:         req.ID + "/outcome",
		DecisionID: req.DecisionID,
		Success:    execErr == nil && result.Success,
		ObservedAt: e.clk.Now(),
		Magnitude:  result.CostDelta,
	}
	if execErr != nil {
		out.Notes = execErr.Error()
	}

	if _, err := e.store.RecordOutcome(out); err != nil {
		e.log.Error("Outcome recording failed", "decision_id", req.DecisionID, "error", err)
		return
	}
	e.conf.Record(req.Level, out)

	if _, err := e.eventBus.Publish(context.Background(), bus.TopicActions, map[string]any{
		"type":        "action.completed",
		"request_id":  req.ID,
		"decision_id": req.DecisionID,
		"actor":       req.Actor,
		"kind":        string(req.Kind),
		"success":     out.Success,
	}); err != nil {
		e.log.Warn("Action event publish failed", "request_id", req.ID, "error", err)
	}
}

// QueueDepths returns the waiting-request count per lane for the health
// monitor.
func (e *Executor) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	depths := make(map[string]int, len(e.lanes))
	for key, ln := range e.lanes {
		ln.mu.Lock()
		depths[key] = ln.queued
		ln.mu.Unlock()
	}
	return depths
}
