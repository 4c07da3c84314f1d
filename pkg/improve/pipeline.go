package improve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quorumnet/steward/pkg/alerting"
	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/fault"
	"github.com/quorumnet/steward/pkg/repo"
)

// pipeline moves one candidate through analysis, testing, and the merge
// decision.
func (e *Engine) pipeline(ctx context.Context, cand *Candidate) {
	// --- Analysis ---

	scores, changed, paths, testsTouched := analyzeDiff(cand.Diff)
	e.mu.Lock()
	cand.Scores = scores
	cand.ChangedLines = changed
	cand.TouchedPaths = paths
	cand.TestsAdded = testsTouched
	e.mu.Unlock()
	e.transition(cand, StateAnalyzed, bus.ImprovementAnalyzed,
		fmt.Sprintf("quality=%.2f security=%.2f perf=%.2f lines=%d",
			scores.Quality, scores.Security, scores.Perf, changed))

	// --- Testing ---

	if !e.sem.TryAcquire(1) {
		// Respect the testing-concurrency bound without abandoning the
		// candidate: block until a slot frees or the engine stops.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
	}
	report, err := e.test(ctx, cand)
	e.sem.Release(1)
	if err != nil {
		e.transition(cand, StateRejected, bus.ImprovementRejected,
			fmt.Sprintf("sandbox failure: %v", err))
		return
	}
	e.transition(cand, StateTested, bus.ImprovementTested,
		fmt.Sprintf("passed=%t duration=%s", report.Passed, report.Duration))

	if !report.Passed {
		e.transition(cand, StateRejected, bus.ImprovementRejected,
			"sandbox tests failed: "+firstLine(report.Failures))
		return
	}

	// --- Merge decision ---

	e.decide(ctx, cand)
}

// test runs the candidate in an isolated working copy.
func (e *Engine) test(ctx context.Context, cand *Candidate) (report sandboxReport, err error) {
	workspaceID, err := e.runner.Prepare(ctx, cand.BaseRev, cand.Diff)
	if err != nil {
		return sandboxReport{}, err
	}
	defer func() {
		if disposeErr := e.runner.Dispose(workspaceID); disposeErr != nil {
			e.log.Warn("Workspace dispose failed", "workspace_id", workspaceID, "error", disposeErr)
		}
	}()

	result, err := e.runner.RunTests(ctx, workspaceID, e.cfg.TestCommand, e.cfg.TestTimeout())
	if err != nil {
		return sandboxReport{}, err
	}
	return sandboxReport{Passed: result.Passed, Failures: result.Failures, Duration: result.Duration}, nil
}

type sandboxReport struct {
	Passed   bool
	Failures string
	Duration time.Duration
}

// decide applies the merge rule. Automatic action requires the actionability
// floors (per-dimension score and confidence), confidence at the auto-merge
// threshold, tests added, size within the cap, no protected path touched,
// and headroom under the daily merge budget. Anything short of that opens a
// pull request for human review instead — a tested, passing change is never
// discarded for scoring alone.
func (e *Engine) decide(ctx context.Context, cand *Candidate) {
	var blockers []string
	if cand.Scores.Min() < e.cfg.MinScore {
		blockers = append(blockers, fmt.Sprintf(
			"analysis score %.2f below actionability floor %.2f", cand.Scores.Min(), e.cfg.MinScore))
	}
	if cand.Confidence < e.cfg.MinConfidence {
		blockers = append(blockers, fmt.Sprintf(
			"confidence %.2f below actionability floor %.2f", cand.Confidence, e.cfg.MinConfidence))
	}
	if cand.Confidence < e.cfg.AutoMergeThreshold {
		blockers = append(blockers, fmt.Sprintf(
			"confidence %.2f below auto-merge threshold %.2f", cand.Confidence, e.cfg.AutoMergeThreshold))
	}
	if !cand.TestsAdded {
		blockers = append(blockers, "no tests added")
	}
	if cand.ChangedLines > e.cfg.SizeCapLines {
		blockers = append(blockers, fmt.Sprintf(
			"%d changed lines exceed cap %d", cand.ChangedLines, e.cfg.SizeCapLines))
	}
	if touchesProtected(cand.TouchedPaths, e.cfg.ProtectedPaths) {
		blockers = append(blockers, "touches protected paths")
	}
	if !e.takeMergeSlot() {
		blockers = append(blockers, "daily auto-merge budget exhausted")
	}

	if len(blockers) == 0 {
		e.autoMerge(ctx, cand)
		return
	}
	e.openPR(ctx, cand, blockers)
}

// takeMergeSlot consumes one of today's auto-merge slots, rolling the day
// lazily at UTC midnight.
func (e *Engine) takeMergeSlot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if day.After(e.mergeDay) {
		e.mergeDay = day
		e.mergesToday = 0
	}
	if e.mergesToday >= e.cfg.MaxDailyMerges {
		return false
	}
	e.mergesToday++
	return true
}

// returnMergeSlot gives back a slot consumed by a merge that did not land.
func (e *Engine) returnMergeSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mergesToday > 0 {
		e.mergesToday--
	}
}

func (e *Engine) autoMerge(ctx context.Context, cand *Candidate) {
	branch := "steward/" + cand.ID
	prID, err := e.proposeChange(ctx, cand, branch, e.describe(cand, nil))
	if err != nil {
		e.returnMergeSlot()
		e.transition(cand, StateRejected, bus.ImprovementRejected,
			fmt.Sprintf("change proposal failed: %v", err))
		return
	}

	var commit string
	err = fault.Retry(ctx, func() error {
		var mergeErr error
		commit, mergeErr = e.repos.Merge(ctx, prID, "squash")
		return mergeErr
	})
	if err != nil {
		e.returnMergeSlot()
		e.mu.Lock()
		cand.PRID = prID
		e.mu.Unlock()
		e.transition(cand, StatePROpened, bus.ImprovementPROpened,
			fmt.Sprintf("auto-merge failed, left as PR %s: %v", prID, err))
		return
	}

	e.mu.Lock()
	cand.PRID = prID
	cand.MergeCommit = commit
	cand.MergedAt = e.clk.Now()
	e.recentMerges = append(e.recentMerges, cand.ID)
	e.mu.Unlock()

	e.transition(cand, StateAutoMerged, bus.ImprovementAutoMerged,
		fmt.Sprintf("merged as %s", commit))
	e.alerts.Alert(ctx, alerting.SeverityInfo,
		fmt.Sprintf("Auto-merged improvement %s", cand.ID),
		map[string]any{"commit": commit, "target": cand.TargetPath, "lines": cand.ChangedLines})
}

func (e *Engine) openPR(ctx context.Context, cand *Candidate, blockers []string) {
	e.returnMergeSlotIfUnused(blockers)

	branch := "steward/" + cand.ID
	prID, err := e.proposeChange(ctx, cand, branch, e.describe(cand, blockers))
	if err != nil {
		e.transition(cand, StateRejected, bus.ImprovementRejected,
			fmt.Sprintf("change proposal failed: %v", err))
		return
	}

	e.mu.Lock()
	cand.PRID = prID
	e.mu.Unlock()
	e.transition(cand, StatePROpened, bus.ImprovementPROpened,
		"PR "+prID+": "+strings.Join(blockers, "; "))
}

// returnMergeSlotIfUnused returns the merge slot when the PR path was chosen
// for a reason other than budget exhaustion (the slot was taken during the
// decision but no merge happened).
func (e *Engine) returnMergeSlotIfUnused(blockers []string) {
	for _, b := range blockers {
		if b == "daily auto-merge budget exhausted" {
			return
		}
	}
	e.returnMergeSlot()
}

func (e *Engine) proposeChange(ctx context.Context, cand *Candidate, branch, description string) (string, error) {
	commits := []repo.Commit{{
		Message: firstLine(cand.Motivation),
		Changes: []repo.Change{{Path: cand.TargetPath, Content: cand.Diff}},
	}}

	var prID string
	err := fault.Retry(ctx, func() error {
		var err error
		prID, err = e.repos.ProposeChange(ctx, branch, commits, description)
		return err
	})
	return prID, err
}

// describe renders the PR body: motivation, analysis scores, diff summary,
// and any auto-merge blockers.
func (e *Engine) describe(cand *Candidate, blockers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", cand.Motivation)
	fmt.Fprintf(&b, "Analysis: quality %.2f, security %.2f, perf %.2f, confidence %.2f\n",
		cand.Scores.Quality, cand.Scores.Security, cand.Scores.Perf, cand.Confidence)
	fmt.Fprintf(&b, "Change: %d lines across %d files\n", cand.ChangedLines, len(cand.TouchedPaths))
	for _, p := range cand.TouchedPaths {
		fmt.Fprintf(&b, "  - %s\n", p)
	}
	if len(blockers) > 0 {
		b.WriteString("\nNot auto-merged:\n")
		for _, blocker := range blockers {
			fmt.Fprintf(&b, "  - %s\n", blocker)
		}
	}
	return b.String()
}

// watchHealth rolls back recent merges when the core degrades within the
// rollback window.
func (e *Engine) watchHealth(ctx context.Context) {
	sub := e.eventBus.Subscribe(bus.TopicModes, bus.StreamTelemetry)
	defer e.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(map[string]any)
			if !ok {
				continue
			}
			t, _ := payload["type"].(string)
			if t != bus.SignalDegraded && t != bus.SignalEmergency {
				continue
			}
			e.rollbackRecent(ctx)
		}
	}
}

// rollbackRecent reverts every merge still inside the rollback window.
func (e *Engine) rollbackRecent(ctx context.Context) {
	e.mu.Lock()
	now := e.clk.Now()
	var due []*Candidate
	var kept []string
	for _, id := range e.recentMerges {
		cand := e.candidates[id]
		if cand == nil || cand.State != StateAutoMerged {
			continue
		}
		if now.Sub(cand.MergedAt) <= e.cfg.RollbackWindow() {
			due = append(due, cand)
		} else {
			kept = append(kept, id)
		}
	}
	e.recentMerges = kept
	e.mu.Unlock()

	for _, cand := range due {
		e.Rollback(ctx, cand.ID)
	}
}

// Rollback reverts a merged candidate with a compensating commit.
// Idempotent by candidate id: a candidate already rolled back (or never
// merged) is left untouched.
func (e *Engine) Rollback(ctx context.Context, candidateID string) {
	e.mu.Lock()
	cand, ok := e.candidates[candidateID]
	if !ok || cand.State != StateAutoMerged || cand.MergeCommit == "" {
		e.mu.Unlock()
		return
	}
	commit := cand.MergeCommit
	e.mu.Unlock()

	var revert string
	err := fault.Retry(ctx, func() error {
		var err error
		revert, err = e.repos.Revert(ctx, commit)
		return err
	})
	if err != nil {
		e.log.Error("Rollback failed", "candidate_id", candidateID, "commit", commit, "error", err)
		e.alerts.Alert(ctx, alerting.SeverityCritical,
			fmt.Sprintf("Rollback of %s failed", candidateID),
			map[string]any{"commit": commit, "error": err.Error()})
		return
	}

	e.transition(cand, StateRolledBack, bus.ImprovementRolledBack,
		fmt.Sprintf("reverted %s as %s", commit, revert))
	e.alerts.Alert(ctx, alerting.SeverityWarning,
		fmt.Sprintf("Rolled back improvement %s", candidateID),
		map[string]any{"commit": commit, "revert": revert})
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
