// Package task defines the Task Store: the persisted, ordered queue of Work
// Items the controller iterates over.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Item is a single unit of queued work.
type Item struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title,omitempty"`
	Priority           int       `json:"priority"`
	Group              int       `json:"group"`
	State              ItemState `json:"state"`
	NeedsHumanDecision bool      `json:"needs_human_decision"`
	Scope              Scope     `json:"scope"`
	VerifyCommands     []string  `json:"verify_commands"`
	Dependencies       []string  `json:"dependencies"`
}

// ItemState holds the mutable part of an item. Only the controller writes it.
type ItemState struct {
	Passed bool `json:"passed"`
}

// Scope declares which paths a change for an item may touch.
type Scope struct {
	Touch []string `json:"touch"`
	Avoid []string `json:"avoid"`
}

// HasVerifyCommand reports whether one of the item's verify commands invokes
// entrypoint. Paths are compared after cleaning, so "./plans/verify.sh" and
// "plans/verify.sh" are equal.
func (it Item) HasVerifyCommand(entrypoint string) bool {
	want := path.Clean(filepath.ToSlash(entrypoint))
	for _, cmd := range it.VerifyCommands {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			continue
		}
		if path.Clean(filepath.ToSlash(fields[0])) == want {
			return true
		}
	}
	return false
}

// Document is the on-disk shape of the Task Store file.
type Document struct {
	Project string         `json:"project"`
	Version int            `json:"version"`
	Rules   map[string]any `json:"rules,omitempty"`
	Items   []Item         `json:"items"`
}

// Queue is a loaded, validated Task Store. It keeps the raw decoded document
// alongside the typed view so that a rewrite preserves fields the controller
// does not model.
type Queue struct {
	doc Document
	raw map[string]any
}

// Project returns the store's project name.
func (q *Queue) Project() string {
	return q.doc.Project
}

// Items returns the items in file order.
func (q *Queue) Items() []Item {
	return q.doc.Items
}

// Find returns the item with the given id.
func (q *Queue) Find(id string) (Item, bool) {
	for _, it := range q.doc.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ActiveGroup returns the lowest group that still has unpassed items.
// ok is false when every item has passed.
func (q *Queue) ActiveGroup() (group int, ok bool) {
	for _, it := range q.doc.Items {
		if it.State.Passed {
			continue
		}
		if !ok || it.Group < group {
			group = it.Group
			ok = true
		}
	}
	return group, ok
}

// Pending returns unpassed items in group, ordered by descending priority.
// Items with equal priority keep their file order.
func (q *Queue) Pending(group int) []Item {
	var out []Item
	for _, it := range q.doc.Items {
		if !it.State.Passed && it.Group == group {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// SelectEligible returns the highest-priority unpassed item in group that
// does not require a human decision.
func (q *Queue) SelectEligible(group int) (Item, bool) {
	for _, it := range q.Pending(group) {
		if it.NeedsHumanDecision {
			continue
		}
		return it, true
	}
	return Item{}, false
}

// HumanBlocked reports whether group has pending items and every one of them
// requires a human decision.
func (q *Queue) HumanBlocked(group int) bool {
	pending := q.Pending(group)
	if len(pending) == 0 {
		return false
	}
	for _, it := range pending {
		if !it.NeedsHumanDecision {
			return false
		}
	}
	return true
}

// AllPassed reports whether every item has passed.
func (q *Queue) AllPassed() bool {
	_, pending := q.ActiveGroup()
	return !pending
}

// Counts returns the number of passed items and the total.
func (q *Queue) Counts() (passed, total int) {
	for _, it := range q.doc.Items {
		if it.State.Passed {
			passed++
		}
	}
	return passed, len(q.doc.Items)
}

// ContentHash returns the sha256 of the canonical JSON encoding of the store.
// Map keys are sorted by encoding/json, so formatting changes in the file do
// not change the hash.
func (q *Queue) ContentHash() string {
	data, err := json.Marshal(q.raw)
	if err != nil {
		// raw was produced by json.Unmarshal, so it always re-encodes.
		panic(fmt.Sprintf("task: re-encode store: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GroupHash returns the sha256 of the canonical JSON of group's items,
// sorted by id, with each item's passed flag removed. It changes only when
// the definition of the group's work changes.
func (q *Queue) GroupHash(group int) string {
	type keyed struct {
		id  string
		raw any
	}

	rawItems, _ := q.raw["items"].([]any)
	var items []keyed
	for i, it := range q.doc.Items {
		if it.Group != group || i >= len(rawItems) {
			continue
		}
		items = append(items, keyed{id: it.ID, raw: withoutPassed(rawItems[i])})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].id < items[j].id })

	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.raw
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(fmt.Sprintf("task: re-encode group: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Groups returns the distinct groups in ascending order.
func (q *Queue) Groups() []int {
	seen := map[int]bool{}
	var out []int
	for _, it := range q.doc.Items {
		if !seen[it.Group] {
			seen[it.Group] = true
			out = append(out, it.Group)
		}
	}
	sort.Ints(out)
	return out
}

// withoutPassed returns a shallow copy of a raw item with state.passed
// removed.
func withoutPassed(raw any) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	if st, ok := m["state"].(map[string]any); ok {
		stCopy := make(map[string]any, len(st))
		for k, v := range st {
			if k != "passed" {
				stCopy[k] = v
			}
		}
		cp["state"] = stCopy
	}
	return cp
}

// Clone returns a deep copy of the queue.
func (q *Queue) Clone() *Queue {
	data, _ := json.Marshal(q.raw)
	c, err := parse(data)
	if err != nil {
		panic(fmt.Sprintf("task: clone store: %v", err))
	}
	return c
}

// Marshal encodes the store for writing to disk.
func (q *Queue) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(q.raw, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// setPassed updates both the typed and raw views of an item's state.
func (q *Queue) setPassed(id string, passed bool) error {
	idx := -1
	for i, it := range q.doc.Items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("item %q not found", id)
	}

	rawItems, ok := q.raw["items"].([]any)
	if !ok || idx >= len(rawItems) {
		return fmt.Errorf("item %q: raw document out of sync", id)
	}
	rawItem, ok := rawItems[idx].(map[string]any)
	if !ok {
		return fmt.Errorf("item %q: not an object", id)
	}

	state, _ := rawItem["state"].(map[string]any)
	if state == nil {
		state = map[string]any{}
	}
	state["passed"] = passed
	rawItem["state"] = state

	q.doc.Items[idx].State.Passed = passed
	return nil
}

// CountStateDiffs returns how many items have a different passed value
// between before and after. An item present in only one snapshot counts as
// a difference.
func CountStateDiffs(before, after *Queue) int {
	prev := make(map[string]bool, len(before.doc.Items))
	for _, it := range before.doc.Items {
		prev[it.ID] = it.State.Passed
	}

	diffs := 0
	seen := make(map[string]bool, len(after.doc.Items))
	for _, it := range after.doc.Items {
		seen[it.ID] = true
		passed, ok := prev[it.ID]
		if !ok || passed != it.State.Passed {
			diffs++
		}
	}
	for id := range prev {
		if !seen[id] {
			diffs++
		}
	}
	return diffs
}
