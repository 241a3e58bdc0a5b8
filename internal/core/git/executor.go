package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/colonyops/overseer/pkg/executil"
)

const (
	authorName  = "overseer"
	authorEmail = "overseer@localhost"
)

// Executor implements Git using the git command-line tool.
type Executor struct {
	gitPath string
	exec    executil.Executor
}

// NewExecutor creates a new git executor with the specified git binary path.
func NewExecutor(gitPath string, exec executil.Executor) *Executor {
	return &Executor{gitPath: gitPath, exec: exec}
}

func (e *Executor) Head(ctx context.Context, dir string) (string, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (e *Executor) CommitExists(ctx context.Context, dir, rev string) (bool, error) {
	if rev == "" {
		return false, nil
	}
	_, err := e.exec.RunDir(ctx, dir, e.gitPath, "cat-file", "-e", rev+"^{commit}")
	if err == nil {
		return true, nil
	}
	// cat-file -e exits 128 for a missing object.
	if code, ok := executil.ExitCode(err); ok && code != 0 {
		return false, nil
	}
	return false, fmt.Errorf("git cat-file %s: %w", rev, err)
}

func (e *Executor) Status(ctx context.Context, dir string, exclude []string) ([]string, error) {
	args := []string{"status", "--porcelain=v1", "-z", "--untracked-files=all", "--", "."}
	args = append(args, excludeSpecs(exclude)...)

	out, err := e.exec.RunDir(ctx, dir, e.gitPath, args...)
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	return parsePorcelainZ(string(out)), nil
}

func (e *Executor) CommitAll(ctx context.Context, dir, message string, exclude []string) (string, error) {
	args := append([]string{"add", "-A", "--", "."}, excludeSpecs(exclude)...)
	if _, err := e.exec.RunDir(ctx, dir, e.gitPath, args...); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}

	_, err := e.exec.RunDir(ctx, dir, e.gitPath,
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"-c", "commit.gpgsign=false",
		"commit", "--no-verify", "--allow-empty", "-q", "-m", message,
	)
	if err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}

	return e.Head(ctx, dir)
}

func (e *Executor) ResetHard(ctx context.Context, dir, rev string) error {
	if _, err := e.exec.RunDir(ctx, dir, e.gitPath, "reset", "--hard", "-q", rev); err != nil {
		return fmt.Errorf("reset --hard %s: %w", rev, err)
	}
	return nil
}

func (e *Executor) Clean(ctx context.Context, dir string, exclude []string) error {
	args := []string{"clean", "-ffd", "-q"}
	for _, p := range exclude {
		args = append(args, "-e", p)
	}
	if _, err := e.exec.RunDir(ctx, dir, e.gitPath, args...); err != nil {
		return fmt.Errorf("git clean: %w", err)
	}
	return nil
}

func (e *Executor) ChangedPaths(ctx context.Context, dir, from, to string) ([]string, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "diff", "--name-only", "-z", "--no-renames", from, to)
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only: %w", err)
	}

	var paths []string
	for _, p := range strings.Split(string(out), "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// excludeSpecs turns directory names into git exclude pathspecs.
func excludeSpecs(exclude []string) []string {
	specs := make([]string, 0, len(exclude))
	for _, p := range exclude {
		specs = append(specs, ":(exclude)"+p)
	}
	return specs
}

// parsePorcelainZ extracts paths from `git status --porcelain=v1 -z`.
// Each entry is "XY path"; renames and copies are followed by the source path
// as a separate entry, which is reported too.
func parsePorcelainZ(out string) []string {
	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		status, path := entry[:2], entry[3:]
		paths = append(paths, path)
		if (status[0] == 'R' || status[0] == 'C') && i+1 < len(entries) && entries[i+1] != "" {
			i++
			paths = append(paths, entries[i])
		}
	}
	return paths
}
