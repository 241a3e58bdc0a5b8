// Package checkpoint records and restores workspace snapshots.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/colonyops/overseer/internal/core/git"
)

// ErrNoCheckpoint is returned when a restore is requested but no good
// checkpoint has been recorded.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// RestoreError reports a checkpoint that could not be restored exactly.
type RestoreError struct {
	Checkpoint string
	Err        error
}

func (e *RestoreError) Error() string {
	if e.Checkpoint == "" {
		return fmt.Sprintf("restore empty checkpoint: %v", e.Err)
	}
	return fmt.Sprintf("restore checkpoint %s: %v", e.Checkpoint, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Manager snapshots and restores the workspace. Checkpoints are opaque,
// immutable identifiers.
type Manager interface {
	// Snapshot captures the current workspace and returns its checkpoint.
	// A workspace without changes yields the current checkpoint.
	Snapshot(ctx context.Context, message string) (string, error)
	// Restore makes the workspace exactly match cp. Restoring the same
	// checkpoint twice is a no-op the second time.
	Restore(ctx context.Context, cp string) error
	// Current returns the checkpoint the workspace is based on.
	Current(ctx context.Context) (string, error)
	// Dirty returns uncommitted paths outside controller-owned paths.
	Dirty(ctx context.Context) ([]string, error)
	// ChangedPaths lists the paths that differ between two checkpoints.
	ChangedPaths(ctx context.Context, from, to string) ([]string, error)
	// Diff returns a unified diff between two checkpoints.
	Diff(ctx context.Context, from, to string) (string, error)
}

// RestoreLastGood restores cp, failing with ErrNoCheckpoint when none has
// been recorded.
func RestoreLastGood(ctx context.Context, m Manager, cp string) error {
	if cp == "" {
		return ErrNoCheckpoint
	}
	return m.Restore(ctx, cp)
}

// GitManager implements Manager with commits in the workspace repository.
// Paths in exclude (the controller's state and artifact directories) are
// never committed, cleaned, or reported as dirty.
type GitManager struct {
	git     git.Git
	dir     string
	exclude []string
	log     zerolog.Logger
}

// NewGitManager creates a GitManager for the repository at dir.
func NewGitManager(g git.Git, dir string, exclude []string, log zerolog.Logger) *GitManager {
	return &GitManager{git: g, dir: dir, exclude: exclude, log: log}
}

func (m *GitManager) Snapshot(ctx context.Context, message string) (string, error) {
	dirty, err := m.Dirty(ctx)
	if err != nil {
		return "", err
	}
	if len(dirty) == 0 {
		return m.Current(ctx)
	}

	cp, err := m.git.CommitAll(ctx, m.dir, message, m.exclude)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	m.log.Debug().Str("checkpoint", cp).Int("paths", len(dirty)).Msg("snapshot committed")
	return cp, nil
}

func (m *GitManager) Restore(ctx context.Context, cp string) error {
	if cp == "" {
		return &RestoreError{Err: ErrNoCheckpoint}
	}

	ok, err := m.git.CommitExists(ctx, m.dir, cp)
	if err != nil {
		return &RestoreError{Checkpoint: cp, Err: err}
	}
	if !ok {
		return &RestoreError{Checkpoint: cp, Err: errors.New("commit does not exist")}
	}

	if err := m.git.ResetHard(ctx, m.dir, cp); err != nil {
		return &RestoreError{Checkpoint: cp, Err: err}
	}
	if err := m.git.Clean(ctx, m.dir, m.exclude); err != nil {
		return &RestoreError{Checkpoint: cp, Err: err}
	}

	head, err := m.Current(ctx)
	if err != nil {
		return &RestoreError{Checkpoint: cp, Err: err}
	}
	if head != cp {
		return &RestoreError{Checkpoint: cp, Err: fmt.Errorf("HEAD is %s after reset", head)}
	}
	dirty, err := m.Dirty(ctx)
	if err != nil {
		return &RestoreError{Checkpoint: cp, Err: err}
	}
	if len(dirty) > 0 {
		return &RestoreError{Checkpoint: cp, Err: fmt.Errorf("%d paths still modified after reset", len(dirty))}
	}

	m.log.Info().Str("checkpoint", cp).Msg("workspace restored")
	return nil
}

func (m *GitManager) Current(ctx context.Context) (string, error) {
	return m.git.Head(ctx, m.dir)
}

func (m *GitManager) Dirty(ctx context.Context) ([]string, error) {
	return m.git.Status(ctx, m.dir, m.exclude)
}

func (m *GitManager) ChangedPaths(ctx context.Context, from, to string) ([]string, error) {
	if from == to {
		return nil, nil
	}
	return m.git.ChangedPaths(ctx, m.dir, from, to)
}

func (m *GitManager) Diff(ctx context.Context, from, to string) (string, error) {
	if from == to {
		return "", nil
	}
	return m.git.Diff(ctx, m.dir, from, to)
}
