package doctor

import (
	"context"
	"errors"
	"fmt"

	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/task"
)

// StoreCheck loads and validates the Task Store, then lints the scope and
// verify commands of every pending item.
type StoreCheck struct {
	path       string
	root       string
	entrypoint string
	matcher    guard.Matcher
	ceiling    int
}

// NewStoreCheck creates a new Task Store check. root is the workspace that
// scope patterns are resolved against.
func NewStoreCheck(path, root, entrypoint string, m guard.Matcher, ceiling int) *StoreCheck {
	return &StoreCheck{path: path, root: root, entrypoint: entrypoint, matcher: m, ceiling: ceiling}
}

func (c *StoreCheck) Name() string {
	return "Task Store"
}

func (c *StoreCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	q, err := task.Load(c.path)
	if err != nil {
		detail := err.Error()
		var invariant *task.InvariantError
		if errors.As(err, &invariant) {
			detail = "invariant violation: " + invariant.Err.Error()
		}
		result.Items = append(result.Items, CheckItem{
			Label:  c.path,
			Status: StatusFail,
			Detail: detail,
		})
		return result
	}

	passed, total := q.Counts()
	result.Items = append(result.Items, CheckItem{
		Label:  c.path,
		Status: StatusPass,
		Detail: fmt.Sprintf("%d/%d items passed", passed, total),
	})

	for _, it := range q.Items() {
		if it.State.Passed {
			continue
		}
		if !it.HasVerifyCommand(c.entrypoint) {
			result.Items = append(result.Items, CheckItem{
				Label:  it.ID,
				Status: StatusFail,
				Detail: "verify_commands does not invoke " + c.entrypoint,
			})
		}

		warnings, err := guard.LintScope(c.matcher, c.root, it, c.ceiling)
		if err != nil {
			result.Items = append(result.Items, CheckItem{
				Label:  it.ID,
				Status: StatusFail,
				Detail: err.Error(),
			})
			continue
		}
		for _, w := range warnings {
			result.Items = append(result.Items, CheckItem{
				Label:  it.ID,
				Status: StatusWarn,
				Detail: w,
			})
		}
	}

	if group, ok := q.ActiveGroup(); ok && q.HumanBlocked(group) {
		result.Items = append(result.Items, CheckItem{
			Label:  fmt.Sprintf("group %d", group),
			Status: StatusWarn,
			Detail: "every pending item needs a human decision",
		})
	}

	return result
}
