package guard

import (
	"errors"
	"fmt"

	"github.com/colonyops/overseer/internal/core/task"
)

// Violation is a changed path the item was not allowed to touch.
type Violation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Reason
}

// ScopeError is returned by LintScope when an item's scope is unusable.
type ScopeError struct {
	ItemID string
	Err    error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("item %s scope: %v", e.ItemID, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }

// ErrScopeTooBroad is wrapped by ScopeError when a touch glob matches more
// files than the configured ceiling.
var ErrScopeTooBroad = errors.New("scope too broad")

// CheckScope returns every changed path that falls outside the item's touch
// patterns or inside one of its avoid patterns. Paths matching owned (the
// controller's own files) are skipped.
func CheckScope(m Matcher, changed []string, scope task.Scope, owned []string) ([]Violation, error) {
	var out []Violation
	for _, p := range changed {
		if _, ok, err := matchAny(m, owned, p); err != nil {
			return nil, err
		} else if ok {
			continue
		}

		if pat, ok, err := matchAny(m, scope.Avoid, p); err != nil {
			return nil, err
		} else if ok {
			out = append(out, Violation{Path: p, Reason: fmt.Sprintf("matches avoid pattern %q", pat)})
			continue
		}

		_, ok, err := matchAny(m, scope.Touch, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, Violation{Path: p, Reason: "outside touch scope"})
		}
	}
	return out, nil
}

// LintScope checks an item's scope before dispatch. It returns warnings for
// literal touch paths that do not exist yet, and a *ScopeError when the
// scope is empty, has invalid patterns, or a touch glob matches more than
// ceiling files under root.
func LintScope(m Matcher, root string, it task.Item, ceiling int) (warnings []string, err error) {
	if len(it.Scope.Touch) == 0 {
		return nil, &ScopeError{ItemID: it.ID, Err: errors.New("no touch patterns declared")}
	}

	for _, pat := range append(append([]string{}, it.Scope.Touch...), it.Scope.Avoid...) {
		if err := m.Validate(pat); err != nil {
			return nil, &ScopeError{ItemID: it.ID, Err: err}
		}
	}

	for _, pat := range it.Scope.Touch {
		n, err := m.Count(root, pat, ceiling)
		if err != nil {
			return nil, &ScopeError{ItemID: it.ID, Err: err}
		}
		if m.IsLiteral(pat) {
			if n == 0 {
				warnings = append(warnings, fmt.Sprintf("touch path %q does not exist", pat))
			}
			continue
		}
		if ceiling > 0 && n > ceiling {
			return warnings, &ScopeError{
				ItemID: it.ID,
				Err:    fmt.Errorf("%w: %q matches more than %d files", ErrScopeTooBroad, pat, ceiling),
			}
		}
	}

	return warnings, nil
}
