// Package repo is the adapter to the external source-of-truth repository.
package repo

import (
	"context"
	"time"
)

// Change is a single file edit within a proposed commit.
type Change struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// Commit groups changes under one message.
type Commit struct {
	Message string   `json:"message"`
	Changes []Change `json:"changes"`
}

// Repository is the narrow contract against the source of truth. The
// credential travels per call inside the client; callers never see it.
type Repository interface {
	// ListChangedPaths returns paths changed since the given time.
	ListChangedPaths(ctx context.Context, since time.Time) ([]string, error)

	// Read returns the file content at path for the given revision.
	Read(ctx context.Context, path, rev string) ([]byte, error)

	// ProposeChange opens a pull request from branch with the commits and
	// description, returning the PR id.
	ProposeChange(ctx context.Context, branch string, commits []Commit, description string) (string, error)

	// Merge lands the PR with the given strategy, returning the commit id.
	Merge(ctx context.Context, prID, strategy string) (string, error)

	// Revert creates a compensating revert of commitID, returning the new
	// commit id.
	Revert(ctx context.Context, commitID string) (string, error)
}
