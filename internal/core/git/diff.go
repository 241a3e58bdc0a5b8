package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Diff returns the unified diff between two commits. Binary files are
// reported by name only.
func (e *Executor) Diff(ctx context.Context, dir, from, to string) (string, error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "diff", "--no-color", "--no-ext-diff", "--no-renames", from, to)
	if err != nil {
		return "", fmt.Errorf("git diff %s..%s: %w", short(from), short(to), err)
	}
	return string(out), nil
}

func (e *Executor) DiffStats(ctx context.Context, dir, from, to string) (additions, deletions int, err error) {
	out, err := e.exec.RunDir(ctx, dir, e.gitPath, "diff", "--shortstat", from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("git diff --shortstat: %w", err)
	}
	return parseShortStat(string(out)), nil
}

// parseShortStat parses git diff --shortstat output.
// Example: " 3 files changed, 10 insertions(+), 5 deletions(-)"
func parseShortStat(output string) (additions, deletions int) {
	for _, part := range strings.Split(strings.TrimSpace(output), ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "insertion"):
			additions = n
		case strings.HasPrefix(fields[1], "deletion"):
			deletions = n
		}
	}
	return additions, deletions
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
