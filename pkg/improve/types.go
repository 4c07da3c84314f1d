// Package improve drives the autonomous code-change pipeline against the
// source-of-truth repository.
package improve

import (
	"context"
	"strings"
	"time"
)

// State is the candidate lifecycle state.
type State string

const (
	StateProposed   State = "proposed"
	StateAnalyzed   State = "analyzed"
	StateTested     State = "tested"
	StateAutoMerged State = "auto_merged"
	StatePROpened   State = "pr_opened"
	StateRejected   State = "rejected"
	StateRolledBack State = "rolled_back"
)

// AnalysisScores are the per-dimension analysis results in [0,1].
type AnalysisScores struct {
	Quality  float64 `json:"quality"`
	Security float64 `json:"security"`
	Perf     float64 `json:"perf"`
}

// Min returns the lowest dimension score.
func (s AnalysisScores) Min() float64 {
	m := s.Quality
	if s.Security < m {
		m = s.Security
	}
	if s.Perf < m {
		m = s.Perf
	}
	return m
}

// Candidate is one proposed change moving through the pipeline.
type Candidate struct {
	ID         string `json:"id"`
	TargetPath string `json:"target_path"`
	BaseRev    string `json:"base_rev"`
	Diff       string `json:"diff"`
	Motivation string `json:"motivation"`
	TestsAdded bool   `json:"tests_added"`

	Scores     AnalysisScores `json:"analysis_scores"`
	Confidence float64        `json:"confidence"`
	State      State          `json:"state"`

	ChangedLines int      `json:"changed_lines"`
	TouchedPaths []string `json:"touched_paths"`

	PRID        string    `json:"pr_id,omitempty"`
	MergeCommit string    `json:"merge_commit,omitempty"`
	MergedAt    time.Time `json:"merged_at,omitempty"`
}

// Draft is the raw material for a candidate before analysis.
type Draft struct {
	TargetPath string
	BaseRev    string
	Diff       string
	Motivation string
	Confidence float64
}

// Proposer produces candidate drafts from recently changed paths. The
// proposal strategy (heuristic, model-driven, operator-fed) is external to
// the engine.
type Proposer interface {
	Propose(ctx context.Context, changedPaths []string) ([]Draft, error)
}

// touchesProtected reports whether any touched path falls under a protected
// prefix.
func touchesProtected(paths, protected []string) bool {
	for _, p := range paths {
		for _, prefix := range protected {
			if prefix != "" && strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") ||
				p == strings.TrimSuffix(prefix, "/") {
				return true
			}
		}
	}
	return false
}
