package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/colonyops/overseer/internal/core/task"
)

// Decision is the verdict for an item or a whole group.
type Decision string

const (
	DecisionPass    Decision = "PASS"
	DecisionFail    Decision = "FAIL"
	DecisionBlocked Decision = "BLOCKED"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPass, DecisionFail, DecisionBlocked:
		return true
	}
	return false
}

// ItemResult is the audit verdict for one item.
type ItemResult struct {
	ID       string   `json:"id"`
	Group    int      `json:"group"`
	Status   Decision `json:"status"`
	Findings []string `json:"findings,omitempty"`
}

// GroupOutput is the stored result of auditing one group.
type GroupOutput struct {
	Group     int          `json:"group"`
	InputsSHA string       `json:"inputs_sha"`
	Items     []ItemResult `json:"items"`
	Findings  []string     `json:"findings,omitempty"`
}

// Decision summarizes the group: any failure fails it, otherwise any
// blocked item blocks it.
func (o GroupOutput) Decision() Decision {
	blocked := false
	for _, it := range o.Items {
		switch it.Status {
		case DecisionFail:
			return DecisionFail
		case DecisionBlocked:
			blocked = true
		}
	}
	if blocked {
		return DecisionBlocked
	}
	return DecisionPass
}

// ReadGroupOutput loads a stored group output.
func ReadGroupOutput(path string) (GroupOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GroupOutput{}, err
	}
	var o GroupOutput
	if err := json.Unmarshal(data, &o); err != nil {
		return GroupOutput{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return o, nil
}

// Summary counts merged item verdicts.
type Summary struct {
	Total   int `json:"items_total"`
	Pass    int `json:"items_pass"`
	Fail    int `json:"items_fail"`
	Blocked int `json:"items_blocked"`
}

// GroupResult describes how a group's verdict was obtained.
type GroupResult struct {
	Group    int      `json:"group"`
	Decision Decision `json:"decision"`
	Cached   bool     `json:"cached"`
	Reason   string   `json:"reason,omitempty"`
	Output   string   `json:"output"`
}

// Report is the merged audit of a Task Store.
type Report struct {
	Project         string        `json:"project"`
	StoreSHA        string        `json:"store_sha256"`
	GlobalInputsSHA string        `json:"global_inputs_sha"`
	Summary         Summary       `json:"summary"`
	Groups          []GroupResult `json:"groups"`
	Findings        []string      `json:"findings,omitempty"`
	Items           []ItemResult  `json:"items"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Passed reports whether every audited item passed.
func (r *Report) Passed() bool {
	return r.Summary.Fail == 0 && r.Summary.Blocked == 0
}

// Merge combines group outputs into one report sorted by group and id.
func Merge(q *task.Queue, storeSHA string, outputs map[int]GroupOutput) (*Report, error) {
	if len(outputs) == 0 {
		return nil, errors.New("no group outputs to merge")
	}

	r := &Report{Project: q.Project(), StoreSHA: storeSHA}

	groups := make([]int, 0, len(outputs))
	for g := range outputs {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	for _, g := range groups {
		o := outputs[g]
		if err := CheckOutput(q, g, o); err != nil {
			return nil, err
		}
		for _, res := range o.Items {
			res.Group = g
			r.Items = append(r.Items, res)
		}
		r.Findings = append(r.Findings, o.Findings...)
	}

	sort.SliceStable(r.Items, func(i, j int) bool {
		if r.Items[i].Group != r.Items[j].Group {
			return r.Items[i].Group < r.Items[j].Group
		}
		return r.Items[i].ID < r.Items[j].ID
	})

	for _, it := range r.Items {
		r.Summary.Total++
		switch it.Status {
		case DecisionPass:
			r.Summary.Pass++
		case DecisionFail:
			r.Summary.Fail++
		case DecisionBlocked:
			r.Summary.Blocked++
		}
	}

	return r, nil
}

// CheckOutput verifies that o was produced against group g's current
// definition and reports on exactly the group's items.
func CheckOutput(q *task.Queue, g int, o GroupOutput) error {
	if o.InputsSHA != q.GroupHash(g) {
		return fmt.Errorf("group %d: output was produced for different inputs", g)
	}

	want := map[string]bool{}
	for _, it := range q.Items() {
		if it.Group == g {
			want[it.ID] = true
		}
	}

	for _, res := range o.Items {
		if !want[res.ID] {
			if it, ok := q.Find(res.ID); ok && it.Group == g {
				return fmt.Errorf("group %d: item %q reported twice", g, res.ID)
			}
			return fmt.Errorf("group %d: output has item %q that is not in the group", g, res.ID)
		}
		if !res.Status.Valid() {
			return fmt.Errorf("group %d: item %q has unknown status %q", g, res.ID, res.Status)
		}
		delete(want, res.ID)
	}

	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return fmt.Errorf("group %d: output does not cover %s", g, strings.Join(missing, ", "))
	}
	return nil
}
