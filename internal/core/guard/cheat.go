package guard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Mode controls what the controller does with cheat signals.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeWarn  Mode = "warn"
	ModeBlock Mode = "block"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeWarn, ModeBlock:
		return m, nil
	case "":
		return ModeBlock, nil
	default:
		return "", fmt.Errorf("unknown cheat mode %q (want off, warn, or block)", s)
	}
}

// SignalKind names a category of suspicious change.
type SignalKind string

const (
	SignalTestDeleted      SignalKind = "test_deleted"
	SignalAssertionRemoved SignalKind = "assertion_removed"
	SignalSkipAdded        SignalKind = "skip_added"
	SignalVerifyModified   SignalKind = "verify_modified"
	SignalCIModified       SignalKind = "ci_modified"
	SignalLintSuppressed   SignalKind = "lint_suppressed"
)

// SignalKinds lists every known signal kind.
var SignalKinds = []SignalKind{
	SignalTestDeleted,
	SignalAssertionRemoved,
	SignalSkipAdded,
	SignalVerifyModified,
	SignalCIModified,
	SignalLintSuppressed,
}

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	return slices.Contains(SignalKinds, k)
}

// Signal is one suspicious change.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Path   string     `json:"path"`
	Detail string     `json:"detail,omitempty"`
}

func (s Signal) String() string {
	if s.Detail == "" {
		return fmt.Sprintf("%s: %s", s.Kind, s.Path)
	}
	return fmt.Sprintf("%s: %s (%s)", s.Kind, s.Path, s.Detail)
}

// DefaultTestPatterns identify test files.
var DefaultTestPatterns = []string{
	"**/*_test.go",
	"**/test_*.py",
	"**/*_test.py",
	"**/*.test.{js,jsx,ts,tsx}",
	"**/*.spec.{js,jsx,ts,tsx}",
	"**/tests/**",
	"**/test/**",
}

// DefaultCIPatterns identify CI definitions.
var DefaultCIPatterns = []string{
	".github/workflows/**",
	".gitlab-ci.yml",
	".circleci/**",
	"Jenkinsfile",
	"azure-pipelines.yml",
	".buildkite/**",
}

var (
	assertionRe = regexp.MustCompile(`\b(assert|require)\.[A-Z]\w*\(|\bassert(_eq|_ne)?!\(|\bassert\s*\(|\bassert\s+\S|\bexpect\(|\bt\.(Error|Errorf|Fatal|Fatalf|Fail|FailNow)\(|\bself\.assert\w*\(`)
	skipRe      = regexp.MustCompile(`\bt\.Skip(Now|f)?\(|@pytest\.mark\.(skip|xfail)|@unittest\.skip|#\[ignore\]|\b(it|describe|test)\.(skip|only)\(|\bx(it|describe)\(`)
	suppressRe  = regexp.MustCompile(`//\s*nolint|#\s*noqa|#!?\[allow\(|eslint-disable|@ts-(ignore|nocheck|expect-error)|#\s*type:\s*ignore|#\s*pylint:\s*disable|//\s*lint:ignore`)
)

// CheatConfig configures a Detector.
type CheatConfig struct {
	// VerifyEntrypoint is the workspace-relative verification entrypoint.
	VerifyEntrypoint string
	TestPatterns     []string
	CIPatterns       []string
	// Allowlist maps a signal kind to path patterns where it is expected.
	Allowlist map[SignalKind][]string
}

// Detector scans diffs for changes that weaken verification.
type Detector struct {
	m   Matcher
	cfg CheatConfig
}

// NewDetector creates a Detector. Empty pattern lists use the defaults.
func NewDetector(m Matcher, cfg CheatConfig) *Detector {
	if len(cfg.TestPatterns) == 0 {
		cfg.TestPatterns = DefaultTestPatterns
	}
	if len(cfg.CIPatterns) == 0 {
		cfg.CIPatterns = DefaultCIPatterns
	}
	cfg.VerifyEntrypoint = strings.TrimPrefix(cfg.VerifyEntrypoint, "./")
	return &Detector{m: m, cfg: cfg}
}

// Detect returns the signals in diff that are not allowlisted.
func (d *Detector) Detect(diff string) ([]Signal, error) {
	var out []Signal

	emit := func(kind SignalKind, p, detail string) error {
		if _, ok, err := matchAny(d.m, d.cfg.Allowlist[kind], p); err != nil {
			return err
		} else if ok {
			return nil
		}
		out = append(out, Signal{Kind: kind, Path: p, Detail: detail})
		return nil
	}

	for _, f := range ParseDiff(diff) {
		p := f.Path

		if d.cfg.VerifyEntrypoint != "" && (p == d.cfg.VerifyEntrypoint || f.OldPath == d.cfg.VerifyEntrypoint) {
			if err := emit(SignalVerifyModified, p, ""); err != nil {
				return nil, err
			}
		}

		if _, ci, err := matchAny(d.m, d.cfg.CIPatterns, p); err != nil {
			return nil, err
		} else if ci {
			if err := emit(SignalCIModified, p, ""); err != nil {
				return nil, err
			}
		}

		_, isTest, err := matchAny(d.m, d.cfg.TestPatterns, p)
		if err != nil {
			return nil, err
		}

		if isTest && f.Deleted {
			if err := emit(SignalTestDeleted, p, ""); err != nil {
				return nil, err
			}
		}

		if isTest && !f.Deleted {
			removed, added := countMatches(assertionRe, f.Removed), countMatches(assertionRe, f.Added)
			if removed > added {
				detail := fmt.Sprintf("%d assertions removed, %d added", removed, added)
				if err := emit(SignalAssertionRemoved, p, detail); err != nil {
					return nil, err
				}
			}
		}

		if n := countMatches(skipRe, f.Added) - countMatches(skipRe, f.Removed); n > 0 {
			if err := emit(SignalSkipAdded, p, fmt.Sprintf("%d skip markers added", n)); err != nil {
				return nil, err
			}
		}

		if n := countMatches(suppressRe, f.Added) - countMatches(suppressRe, f.Removed); n > 0 {
			if err := emit(SignalLintSuppressed, p, fmt.Sprintf("%d suppressions added", n)); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func countMatches(re *regexp.Regexp, lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(re.FindAllStringIndex(l, -1))
	}
	return n
}
