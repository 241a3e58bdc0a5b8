// Package git provides an abstraction for the git operations the controller
// uses to checkpoint and inspect the workspace.
package git

import "context"

// Git defines git operations needed by overseer. Every method operates on
// the repository containing dir.
type Git interface {
	// Head returns the full commit id of HEAD.
	Head(ctx context.Context, dir string) (string, error)
	// CommitExists reports whether rev names a commit object.
	CommitExists(ctx context.Context, dir, rev string) (bool, error)
	// Status returns the paths with uncommitted changes, including untracked
	// files. Paths under exclude are omitted.
	Status(ctx context.Context, dir string, exclude []string) ([]string, error)
	// CommitAll stages every change outside exclude and commits it, returning
	// the new commit id.
	CommitAll(ctx context.Context, dir, message string, exclude []string) (string, error)
	// ResetHard moves HEAD and the working tree to rev.
	ResetHard(ctx context.Context, dir, rev string) error
	// Clean removes untracked files and directories outside exclude.
	Clean(ctx context.Context, dir string, exclude []string) error
	// ChangedPaths lists paths that differ between two commits.
	ChangedPaths(ctx context.Context, dir, from, to string) ([]string, error)
	// Diff returns the unified diff between two commits.
	Diff(ctx context.Context, dir, from, to string) (string, error)
	// DiffStats returns the number of lines added and deleted between two commits.
	DiffStats(ctx context.Context, dir, from, to string) (additions, deletions int, err error)
}
