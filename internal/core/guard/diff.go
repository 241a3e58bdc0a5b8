package guard

import (
	"strconv"
	"strings"
)

// FileDiff is one file section of a unified git diff.
type FileDiff struct {
	Path    string
	OldPath string
	New     bool
	Deleted bool
	Binary  bool
	Added   []string
	Removed []string
}

// ParseDiff splits a `git diff` into per-file changes. Only added and
// removed line content is kept.
func ParseDiff(diff string) []FileDiff {
	var (
		files  []FileDiff
		cur    *FileDiff
		inHunk bool
	)

	flush := func() {
		if cur != nil {
			if cur.Path == "" {
				cur.Path = cur.OldPath
			}
			files = append(files, *cur)
		}
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			cur = &FileDiff{}
			inHunk = false
			if a, b, ok := splitGitHeader(strings.TrimPrefix(line, "diff --git ")); ok {
				cur.OldPath, cur.Path = a, b
			}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "@@"):
			inHunk = true
		case !inHunk && strings.HasPrefix(line, "new file mode"):
			cur.New = true
		case !inHunk && strings.HasPrefix(line, "deleted file mode"):
			cur.Deleted = true
		case !inHunk && strings.HasPrefix(line, "Binary files "):
			cur.Binary = true
		case !inHunk && strings.HasPrefix(line, "--- "):
			if p := diffPath(strings.TrimPrefix(line, "--- "), "a/"); p != "" {
				cur.OldPath = p
			}
		case !inHunk && strings.HasPrefix(line, "+++ "):
			if p := diffPath(strings.TrimPrefix(line, "+++ "), "b/"); p != "" {
				cur.Path = p
			}
		case inHunk && strings.HasPrefix(line, "+"):
			cur.Added = append(cur.Added, line[1:])
		case inHunk && strings.HasPrefix(line, "-"):
			cur.Removed = append(cur.Removed, line[1:])
		}
	}
	flush()

	return files
}

// splitGitHeader parses "a/x b/y" from a diff --git line. Paths containing
// " b/" are ambiguous here; the ---/+++ lines override them.
func splitGitHeader(s string) (string, string, bool) {
	if strings.HasPrefix(s, `"`) {
		return "", "", false
	}
	i := strings.Index(s, " b/")
	if i < 0 || !strings.HasPrefix(s, "a/") {
		return "", "", false
	}
	return s[2:i], s[i+3:], true
}

// diffPath extracts a path from a ---/+++ line, returning "" for /dev/null.
func diffPath(s, prefix string) string {
	s = strings.TrimSuffix(s, "\t")
	if s == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
	}
	return strings.TrimPrefix(s, prefix)
}
