// Package sandbox runs candidate changes in isolated working copies.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TestReport is the result of one sandbox test run.
type TestReport struct {
	Passed   bool          `json:"passed"`
	Failures string        `json:"failures,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Runner prepares, exercises, and disposes isolated working copies.
type Runner interface {
	// Prepare clones baseRev into a fresh workspace and applies diff.
	Prepare(ctx context.Context, baseRev, diff string) (workspaceID string, err error)

	// RunTests executes command inside the workspace with the timeout.
	RunTests(ctx context.Context, workspaceID, command string, timeout time.Duration) (TestReport, error)

	// Dispose removes the workspace. Idempotent.
	Dispose(workspaceID string) error
}

// LocalRunner implements Runner with git worktrees under a scratch root.
type LocalRunner struct {
	repoDir string
	root    string
	log     *slog.Logger

	mu         sync.Mutex
	workspaces map[string]string // id → directory
}

// NewLocalRunner creates a runner over the checkout at repoDir, staging
// workspaces under root.
func NewLocalRunner(repoDir, root string) *LocalRunner {
	return &LocalRunner{
		repoDir:    repoDir,
		root:       root,
		log:        slog.Default().With("component", "sandbox"),
		workspaces: make(map[string]string),
	}
}

// Prepare checks out baseRev into a new worktree and applies the diff.
func (r *LocalRunner) Prepare(ctx context.Context, baseRev, diff string) (string, error) {
	id := uuid.New().String()
	dir := filepath.Join(r.root, id)

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox root: %w", err)
	}

	if out, err := r.git(ctx, r.repoDir, "worktree", "add", "--detach", dir, baseRev); err != nil {
		return "", fmt.Errorf("add worktree at %s: %v: %s", baseRev, err, out)
	}

	if strings.TrimSpace(diff) != "" {
		apply := exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", "-")
		apply.Dir = dir
		apply.Stdin = strings.NewReader(diff)
		if out, err := apply.CombinedOutput(); err != nil {
			_ = r.removeWorktree(dir)
			return "", fmt.Errorf("apply diff: %v: %s", err, out)
		}
	}

	r.mu.Lock()
	r.workspaces[id] = dir
	r.mu.Unlock()

	r.log.Info("Sandbox prepared", "workspace_id", id, "base_rev", baseRev)
	return id, nil
}

// RunTests executes the project test command inside the workspace.
// A non-zero exit is a failed run, not an error; errors mean the command
// could not be executed at all.
func (r *LocalRunner) RunTests(ctx context.Context, workspaceID, command string, timeout time.Duration) (TestReport, error) {
	r.mu.Lock()
	dir, ok := r.workspaces[workspaceID]
	r.mu.Unlock()
	if !ok {
		return TestReport{}, fmt.Errorf("unknown workspace %s", workspaceID)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return TestReport{}, fmt.Errorf("empty test command")
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	report := TestReport{Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		report.Failures = fmt.Sprintf("test run timed out after %s", timeout)
	case err == nil:
		report.Passed = true
	case errors.As(err, &exitErr):
		report.Failures = tail(string(out), 4096)
	default:
		return TestReport{}, fmt.Errorf("run tests in %s: %w", workspaceID, err)
	}

	r.log.Info("Sandbox tests finished",
		"workspace_id", workspaceID, "passed", report.Passed, "duration", report.Duration)
	return report, nil
}

// Dispose removes the workspace. Safe to call twice.
func (r *LocalRunner) Dispose(workspaceID string) error {
	r.mu.Lock()
	dir, ok := r.workspaces[workspaceID]
	delete(r.workspaces, workspaceID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.removeWorktree(dir)
}

func (r *LocalRunner) removeWorktree(dir string) error {
	if out, err := r.git(context.Background(), r.repoDir, "worktree", "remove", "--force", dir); err != nil {
		// Fall back to a plain removal; a stale worktree entry is pruned by
		// the next git operation.
		r.log.Warn("Worktree removal failed, deleting directory", "dir", dir, "output", string(out))
		return os.RemoveAll(dir)
	}
	return nil
}

func (r *LocalRunner) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
