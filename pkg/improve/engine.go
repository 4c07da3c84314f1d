package improve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/quorumnet/steward/pkg/alerting"
	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
	"github.com/quorumnet/steward/pkg/repo"
	"github.com/quorumnet/steward/pkg/sandbox"
)

// Engine runs the candidate pipeline: Proposed → Analyzed → Tested →
// (Auto-Merged | PR-Opened | Rejected) [→ Rolled-Back].
type Engine struct {
	clk      clock.Clock
	modes    *mode.State
	repos    repo.Repository
	runner   sandbox.Runner
	store    *memory.Store
	eventBus *bus.Bus
	alerts   *alerting.Service
	proposer Proposer
	cfg      config.ImprovementConfig
	interval time.Duration
	log      *slog.Logger

	// sem bounds concurrent candidates in Testing.
	sem *semaphore.Weighted

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastScan    time.Time
	mergesToday int
	mergeDay    time.Time
	candidates  map[string]*Candidate

	// recentMerges are watched for health degradation within the rollback
	// window.
	recentMerges []string
}

// NewEngine wires the improvement pipeline. proposer may be nil, which
// disables autonomous proposal; candidates can still arrive via Submit.
func NewEngine(clk clock.Clock, modes *mode.State, repos repo.Repository,
	runner sandbox.Runner, store *memory.Store, eventBus *bus.Bus,
	alerts *alerting.Service, proposer Proposer,
	cfg config.ImprovementConfig, interval time.Duration) *Engine {
	return &Engine{
		clk:        clk,
		modes:      modes,
		repos:      repos,
		runner:     runner,
		store:      store,
		eventBus:   eventBus,
		alerts:     alerts,
		proposer:   proposer,
		cfg:        cfg,
		interval:   interval,
		log:        slog.Default().With("component", "improve"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		candidates: make(map[string]*Candidate),
	}
}

// Start launches the scan loop and the rollback watch.
func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Lock()
	e.lastScan = e.clk.Now()
	e.mu.Unlock()

	go e.run(ctx)
	go e.watchHealth(ctx)
	e.log.Info("Improvement engine started", "interval", e.interval,
		"max_concurrent", e.cfg.MaxConcurrent, "max_daily_merges", e.cfg.MaxDailyMerges)
}

// Stop signals the loops and waits for in-flight pipelines.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.wg.Wait()
	e.log.Info("Improvement engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The pipeline runs only in Normal mode: Degraded pauses
			// improvement work entirely.
			if e.modes.Get() != mode.Normal {
				continue
			}
			e.scan(ctx)
		}
	}
}

// scan asks the proposer for drafts against recently changed paths and
// launches a pipeline per draft.
func (e *Engine) scan(ctx context.Context) {
	if e.proposer == nil {
		return
	}

	e.mu.Lock()
	since := e.lastScan
	e.lastScan = e.clk.Now()
	e.mu.Unlock()

	var changed []string
	err := fault.Retry(ctx, func() error {
		var err error
		changed, err = e.repos.ListChangedPaths(ctx, since)
		return err
	})
	if err != nil {
		e.log.Error("Changed-path listing failed", "error", err)
		return
	}

	drafts, err := e.proposer.Propose(ctx, changed)
	if err != nil {
		e.log.Error("Proposal generation failed", "error", err)
		return
	}
	for _, draft := range drafts {
		e.Submit(ctx, draft)
	}
}

// Submit enters a draft into the pipeline. The pipeline itself runs on a
// worker goroutine gated by the testing-concurrency semaphore.
func (e *Engine) Submit(ctx context.Context, draft Draft) string {
	cand := &Candidate{
		ID:         uuid.New().String(),
		TargetPath: draft.TargetPath,
		BaseRev:    draft.BaseRev,
		Diff:       draft.Diff,
		Motivation: draft.Motivation,
		Confidence: draft.Confidence,
		State:      StateProposed,
	}

	e.mu.Lock()
	e.candidates[cand.ID] = cand
	e.mu.Unlock()
	e.transition(cand, StateProposed, bus.ImprovementProposed, draft.Motivation)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipeline(ctx, cand)
	}()
	return cand.ID
}

// Candidate returns a snapshot of the candidate by id.
func (e *Engine) Candidate(id string) (Candidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cand, ok := e.candidates[id]
	if !ok {
		return Candidate{}, false
	}
	return *cand, true
}

// StateCounts returns the live candidate count per state for the health
// monitor.
func (e *Engine) StateCounts() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := make(map[State]int)
	for _, cand := range e.candidates {
		counts[cand.State]++
	}
	return counts
}

// transition records a candidate state change durably and on the bus.
func (e *Engine) transition(cand *Candidate, state State, eventType, note string) {
	e.mu.Lock()
	cand.State = state
	snapshot := *cand
	e.mu.Unlock()

	if err := e.store.PutCandidate(cand.ID, snapshot); err != nil {
		e.log.Error("Candidate persist failed", "candidate_id", cand.ID, "error", err)
	}
	if err := e.store.AppendCandidateTransition(cand.ID, string(state), note); err != nil {
		e.log.Error("Candidate transition persist failed", "candidate_id", cand.ID, "error", err)
	}
	if _, err := e.eventBus.Publish(context.Background(), bus.TopicImprovements, map[string]any{
		"type":         eventType,
		"candidate_id": cand.ID,
		"state":        string(state),
		"note":         note,
	}); err != nil {
		e.log.Warn("Improvement event publish failed", "candidate_id", cand.ID, "error", err)
	}
}
