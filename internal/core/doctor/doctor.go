// Package doctor runs preflight checks against a workspace before a run.
package doctor

import (
	"context"
	"fmt"
)

// Status represents the result status of a check item.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// CheckItem represents a single line item within a check result.
type CheckItem struct {
	Label   string `json:"label"`
	Status  Status `json:"-"`
	Detail  string `json:"detail,omitempty"`
	Fixable bool   `json:"fixable,omitempty"`

	// For JSON output
	StatusStr string `json:"status"`
}

// Result represents the outcome of a check containing multiple items.
type Result struct {
	Name  string      `json:"name"`
	Items []CheckItem `json:"items"`
}

// Check defines the interface for a doctor check.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// RunAll executes all checks and returns their results.
func RunAll(ctx context.Context, checks []Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		result := check.Run(ctx)
		for i := range result.Items {
			result.Items[i].StatusStr = string(result.Items[i].Status)
		}
		results = append(results, result)
	}
	return results
}

// Summary returns counts of passed, warned, and failed items across all results.
func Summary(results []Result) (passed, warned, failed int) {
	for _, r := range results {
		for _, item := range r.Items {
			switch item.Status {
			case StatusPass:
				passed++
			case StatusWarn:
				warned++
			case StatusFail:
				failed++
			}
		}
	}

	return passed, warned, failed
}

// HasFailures reports whether any item failed.
func HasFailures(results []Result) bool {
	_, _, failed := Summary(results)
	return failed > 0
}

// CountFixable returns the number of fixable issues across all results.
func CountFixable(results []Result) int {
	count := 0
	for _, r := range results {
		for _, item := range r.Items {
			if item.Fixable && (item.Status == StatusWarn || item.Status == StatusFail) {
				count++
			}
		}
	}
	return count
}

// Fixer is implemented by checks that can repair what they report.
type Fixer interface {
	Fix() error
}

// FixAll runs Fix on every check that implements Fixer and reported a
// fixable issue. It returns the names of the checks it fixed.
func FixAll(checks []Check, results []Result) ([]string, error) {
	var fixed []string
	for i, check := range checks {
		fixer, ok := check.(Fixer)
		if !ok || i >= len(results) || CountFixable(results[i:i+1]) == 0 {
			continue
		}
		if err := fixer.Fix(); err != nil {
			return fixed, fmt.Errorf("fix %s: %w", check.Name(), err)
		}
		fixed = append(fixed, check.Name())
	}
	return fixed, nil
}
