// Package guard checks a worker's change against its item's declared scope
// and looks for signs that verification was weakened instead of satisfied.
package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher matches workspace-relative, slash-separated paths against scope
// patterns.
type Matcher interface {
	// Match reports whether p matches pattern. A literal pattern matches the
	// path itself and anything below it.
	Match(pattern, p string) (bool, error)
	// IsLiteral reports whether pattern has no glob metacharacters.
	IsLiteral(pattern string) bool
	// Count returns how many files under root match pattern, stopping once
	// the count exceeds limit.
	Count(root, pattern string, limit int) (int, error)
	// Validate reports a syntax error in pattern.
	Validate(pattern string) error
}

// ErrBadPattern is returned for syntactically invalid patterns.
var ErrBadPattern = errors.New("invalid pattern")

var errStop = errors.New("stop")

// GlobMatcher implements Matcher with doublestar globs.
type GlobMatcher struct{}

// NewGlobMatcher returns the default Matcher.
func NewGlobMatcher() *GlobMatcher {
	return &GlobMatcher{}
}

func (GlobMatcher) IsLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[{\\")
}

func (GlobMatcher) Validate(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty", ErrBadPattern)
	}
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "../") || pattern == ".." {
		return fmt.Errorf("%w: %q escapes the workspace", ErrBadPattern, pattern)
	}
	if !doublestar.ValidatePattern(normalize(pattern)) {
		return fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	return nil
}

func (m GlobMatcher) Match(pattern, p string) (bool, error) {
	pattern = normalize(pattern)
	p = path.Clean(strings.TrimPrefix(p, "./"))

	if m.IsLiteral(pattern) {
		return p == pattern || strings.HasPrefix(p, pattern+"/"), nil
	}

	ok, err := doublestar.Match(pattern, p)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrBadPattern, pattern, err)
	}
	return ok, nil
}

func (m GlobMatcher) Count(root, pattern string, limit int) (int, error) {
	pattern = normalize(pattern)
	fsys := os.DirFS(root)

	if m.IsLiteral(pattern) {
		info, err := fs.Stat(fsys, pattern)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return 0, nil
			}
			return 0, err
		}
		if !info.IsDir() {
			return 1, nil
		}
		pattern += "/**"
	}

	n := 0
	err := doublestar.GlobWalk(fsys, pattern, func(string, fs.DirEntry) error {
		n++
		if limit > 0 && n > limit {
			return errStop
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil && !errors.Is(err, errStop) {
		return n, fmt.Errorf("expand %q: %w", pattern, err)
	}
	return n, nil
}

// normalize strips a leading "./" and turns a trailing "/" into "/**".
func normalize(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "./")
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}
	return pattern
}

// matchAny reports whether p matches any of patterns.
func matchAny(m Matcher, patterns []string, p string) (string, bool, error) {
	for _, pat := range patterns {
		ok, err := m.Match(pat, p)
		if err != nil {
			return "", false, err
		}
		if ok {
			return pat, true, nil
		}
	}
	return "", false, nil
}
