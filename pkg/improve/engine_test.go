package improve

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/steward/pkg/bus"
	"github.com/quorumnet/steward/pkg/clock"
	"github.com/quorumnet/steward/pkg/config"
	"github.com/quorumnet/steward/pkg/memory"
	"github.com/quorumnet/steward/pkg/mode"
	"github.com/quorumnet/steward/pkg/repo"
	"github.com/quorumnet/steward/pkg/sandbox"
)

// fakeRepo records proposals, merges, and reverts.
type fakeRepo struct {
	mu      sync.Mutex
	prs     map[string]string // pr id → description
	merges  []string
	reverts []string
	nextPR  int
}

func newFakeRepo() *fakeRepo { return &fakeRepo{prs: make(map[string]string)} }

func (r *fakeRepo) ListChangedPaths(context.Context, time.Time) ([]string, error) { return nil, nil }
func (r *fakeRepo) Read(context.Context, string, string) ([]byte, error)          { return nil, nil }

func (r *fakeRepo) ProposeChange(_ context.Context, _ string, _ []repo.Commit, description string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPR++
	id := fmt.Sprintf("pr-%d", r.nextPR)
	r.prs[id] = description
	return id, nil
}

func (r *fakeRepo) Merge(_ context.Context, prID, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges = append(r.merges, prID)
	return "commit-" + prID, nil
}

func (r *fakeRepo) Revert(_ context.Context, commitID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverts = append(r.reverts, commitID)
	return "revert-" + commitID, nil
}

// fakeRunner passes or fails every test run.
type fakeRunner struct {
	pass bool
	runs int
}

func (r *fakeRunner) Prepare(context.Context, string, string) (string, error) { return "ws-1", nil }
func (r *fakeRunner) Dispose(string) error                                    { return nil }
func (r *fakeRunner) RunTests(context.Context, string, string, time.Duration) (sandbox.TestReport, error) {
	r.runs++
	return sandbox.TestReport{Passed: r.pass, Duration: time.Second}, nil
}

type engineHarness struct {
	engine *Engine
	clk    *clock.Manual
	repos  *fakeRepo
	runner *fakeRunner
	store  *memory.Store
}

func newEngineHarness(t *testing.T, tweak func(*config.ImprovementConfig)) *engineHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	modes := &mode.State{}

	store, err := memory.Open(filepath.Join(t.TempDir(), "steward.db"), clk,
		memory.Options{ShortTermTTL: time.Hour, ShortTermMax: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default().Improvement
	cfg.ProtectedPaths = []string{"protected"}
	if tweak != nil {
		tweak(&cfg)
	}

	eventBus := bus.New(clk, 256, 100*time.Millisecond)
	repos := newFakeRepo()
	runner := &fakeRunner{pass: true}
	engine := NewEngine(clk, modes, repos, runner, store, eventBus, nil, nil, cfg, time.Minute)
	return &engineHarness{engine: engine, clk: clk, repos: repos, runner: runner, store: store}
}

// cleanDiff builds a small diff touching path plus a test file.
func cleanDiff(path string, lines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n@@ -1,0 +1,%d @@\n", path, path, lines)
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, "+\tvalue%d := compute(%d)\n", i, i)
	}
	testPath := strings.TrimSuffix(path, ".go") + "_test.go"
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n@@ -1,0 +1,2 @@\n", testPath, testPath)
	b.WriteString("+func TestCompute(t *testing.T) {}\n")
	b.WriteString("+\n")
	return b.String()
}

func runPipeline(t *testing.T, h *engineHarness, draft Draft) Candidate {
	t.Helper()
	id := h.engine.Submit(context.Background(), draft)
	h.engine.wg.Wait()
	cand, ok := h.engine.Candidate(id)
	require.True(t, ok)
	return cand
}

func TestHighConfidenceCandidateAutoMerges(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 120),
		Motivation: "tighten compute bounds",
		Confidence: 0.92,
	})

	assert.Equal(t, StateAutoMerged, cand.State)
	assert.NotEmpty(t, cand.MergeCommit)
	assert.True(t, cand.TestsAdded)
	assert.LessOrEqual(t, cand.ChangedLines, 200)
	assert.GreaterOrEqual(t, cand.Confidence, 0.9)
	require.Len(t, h.repos.merges, 1)
}

func TestProtectedPathForcesPR(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "protected/keys.go",
		BaseRev:    "main",
		Diff:       cleanDiff("protected/keys.go", 120),
		Motivation: "rotate key handling",
		Confidence: 0.92,
	})

	assert.Equal(t, StatePROpened, cand.State)
	assert.Empty(t, h.repos.merges)
	require.Len(t, h.repos.prs, 1)
}

func TestLowConfidenceOpensPRWithNote(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 120),
		Motivation: "speculative cleanup",
		Confidence: 0.65,
	})

	assert.Equal(t, StatePROpened, cand.State)
	assert.Empty(t, h.repos.merges)

	h.repos.mu.Lock()
	defer h.repos.mu.Unlock()
	require.Len(t, h.repos.prs, 1)
	for _, description := range h.repos.prs {
		assert.Contains(t, description, "below auto-merge threshold")
	}
}

func TestFailingTestsRejectCandidate(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.runner.pass = false

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 50),
		Motivation: "refactor",
		Confidence: 0.95,
	})

	assert.Equal(t, StateRejected, cand.State)
	assert.Empty(t, h.repos.prs)
	assert.Empty(t, h.repos.merges)
}

func TestSizeCapForcesPR(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 250),
		Motivation: "large rework",
		Confidence: 0.95,
	})
	assert.Equal(t, StatePROpened, cand.State)
}

func TestCandidateExactlyAtSizeCapAutoMerges(t *testing.T) {
	h := newEngineHarness(t, nil)

	// cleanDiff adds 2 test lines on top of the body lines.
	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 198),
		Motivation: "boundary change",
		Confidence: 0.95,
	})
	assert.Equal(t, 200, cand.ChangedLines)
	assert.Equal(t, StateAutoMerged, cand.State)
}

func TestDailyMergeBudget(t *testing.T) {
	h := newEngineHarness(t, func(cfg *config.ImprovementConfig) {
		cfg.MaxDailyMerges = 2
	})

	for i := 0; i < 2; i++ {
		cand := runPipeline(t, h, Draft{
			TargetPath: fmt.Sprintf("pkg/core/f%d.go", i),
			BaseRev:    "main",
			Diff:       cleanDiff(fmt.Sprintf("pkg/core/f%d.go", i), 50),
			Motivation: "cleanup",
			Confidence: 0.95,
		})
		assert.Equal(t, StateAutoMerged, cand.State)
	}

	third := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/f3.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/f3.go", 50),
		Motivation: "cleanup",
		Confidence: 0.95,
	})
	assert.Equal(t, StatePROpened, third.State)

	// Budget refills after the UTC day rolls.
	h.clk.Advance(24 * time.Hour)
	fourth := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/f4.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/f4.go", 50),
		Motivation: "cleanup",
		Confidence: 0.95,
	})
	assert.Equal(t, StateAutoMerged, fourth.State)
}

func TestRollbackIsIdempotentByCandidate(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 50),
		Motivation: "cleanup",
		Confidence: 0.95,
	})
	require.Equal(t, StateAutoMerged, cand.State)

	h.engine.Rollback(context.Background(), cand.ID)
	h.engine.Rollback(context.Background(), cand.ID)

	assert.Len(t, h.repos.reverts, 1)
	rolled, _ := h.engine.Candidate(cand.ID)
	assert.Equal(t, StateRolledBack, rolled.State)
}

func TestTransitionsArePersisted(t *testing.T) {
	h := newEngineHarness(t, nil)

	cand := runPipeline(t, h, Draft{
		TargetPath: "pkg/core/compute.go",
		BaseRev:    "main",
		Diff:       cleanDiff("pkg/core/compute.go", 50),
		Motivation: "cleanup",
		Confidence: 0.95,
	})

	rec, err := h.store.GetCandidate(cand.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)

	states := make([]string, len(rec.Transitions))
	for i, tr := range rec.Transitions {
		states[i] = tr.State
	}
	assert.Equal(t, []string{"proposed", "analyzed", "tested", "auto_merged"}, states)
}

func TestAnalyzerDetectsRiskMarkers(t *testing.T) {
	diff := "--- a/x.go\n+++ b/x.go\n@@\n" +
		"+\tpassword := \"supersecretvalue123456\"\n" +
		"+\tpanic(\"boom\")\n"
	scores, changed, paths, tests := analyzeDiff(diff)

	assert.Less(t, scores.Security, 0.9)
	assert.Less(t, scores.Quality, 1.0)
	assert.Equal(t, 2, changed)
	assert.Equal(t, []string{"x.go"}, paths)
	assert.False(t, tests)
}
