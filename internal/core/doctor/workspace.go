package doctor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/colonyops/overseer/internal/core/git"
)

// WorkspaceCheck verifies the workspace is a git repository with at least
// one commit. Uncommitted changes are reported as a warning.
type WorkspaceCheck struct {
	git     git.Git
	dir     string
	exclude []string
}

// NewWorkspaceCheck creates a new workspace check.
func NewWorkspaceCheck(g git.Git, dir string, exclude []string) *WorkspaceCheck {
	return &WorkspaceCheck{git: g, dir: dir, exclude: exclude}
}

func (c *WorkspaceCheck) Name() string {
	return "Workspace"
}

func (c *WorkspaceCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	info, err := os.Stat(c.dir)
	switch {
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  c.dir,
			Status: StatusFail,
			Detail: fmt.Sprintf("inaccessible: %v", err),
		})
		return result
	case !info.IsDir():
		result.Items = append(result.Items, CheckItem{
			Label:  c.dir,
			Status: StatusFail,
			Detail: "path is not a directory",
		})
		return result
	}

	head, err := c.git.Head(ctx, c.dir)
	if err != nil {
		result.Items = append(result.Items, CheckItem{
			Label:  "repository",
			Status: StatusFail,
			Detail: "not a git repository with a commit: " + err.Error(),
		})
		return result
	}
	result.Items = append(result.Items, CheckItem{
		Label:  "repository",
		Status: StatusPass,
		Detail: "HEAD " + shortRev(head),
	})

	dirty, err := c.git.Status(ctx, c.dir, c.exclude)
	switch {
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  "working tree",
			Status: StatusFail,
			Detail: err.Error(),
		})
	case len(dirty) > 0:
		result.Items = append(result.Items, CheckItem{
			Label:  "working tree",
			Status: StatusWarn,
			Detail: fmt.Sprintf("%d uncommitted path(s): %s", len(dirty), preview(dirty, 3)),
		})
	default:
		result.Items = append(result.Items, CheckItem{
			Label:  "working tree",
			Status: StatusPass,
			Detail: "clean",
		})
	}

	return result
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func preview(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:n], ", ") + fmt.Sprintf(", +%d more", len(items)-n)
}
