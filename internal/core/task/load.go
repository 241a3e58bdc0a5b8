package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hay-kot/criterio"
)

// CorruptStoreError reports a Task Store file that cannot be decoded.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt task store %s: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error { return e.Err }

// InvariantError reports a Task Store that decodes but violates its schema or
// dependency invariants. Err carries the criterio field errors.
type InvariantError struct {
	Path string
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invalid task store %s: %v", e.Path, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Load reads, decodes, and validates the Task Store at path.
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CorruptStoreError{Path: path, Err: err}
	}

	return Decode(path, data)
}

// Decode parses and validates Task Store content. source names the input in
// errors.
func Decode(source string, data []byte) (*Queue, error) {
	q, err := parse(data)
	if err != nil {
		return nil, &CorruptStoreError{Path: source, Err: err}
	}

	if err := Validate(q.doc); err != nil {
		return nil, &InvariantError{Path: source, Err: err}
	}

	return q, nil
}

// parse decodes data into both the typed and the raw view.
func parse(data []byte) (*Queue, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("file is empty")
	}

	var doc Document
	if err := decodeStrict(data, &doc); err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}
	if _, ok := raw["items"].([]any); !ok {
		return nil, errors.New("items: expected an array")
	}

	return &Queue{doc: doc, raw: raw}, nil
}

// decodeStrict decodes a single JSON value and rejects trailing data.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("decode: trailing data after top-level value")
	}
	return nil
}

// Validate checks the schema and dependency invariants of a document:
// ids present and unique, non-negative groups, dependencies that exist,
// no dependency in a higher group, and an acyclic dependency graph.
func Validate(doc Document) error {
	if len(doc.Items) == 0 {
		return criterio.NewFieldErrors("items", errors.New("array is empty"))
	}

	var errs criterio.FieldErrorsBuilder
	byID := make(map[string]Item, len(doc.Items))

	for i, it := range doc.Items {
		field := fmt.Sprintf("items[%d]", i)

		if strings.TrimSpace(it.ID) == "" {
			errs = errs.Append(field+".id", errors.New("id is required"))
			continue
		}
		if _, dup := byID[it.ID]; dup {
			errs = errs.Append(field+".id", fmt.Errorf("duplicate id %q", it.ID))
			continue
		}
		if it.Group < 0 {
			errs = errs.Append(field+".group", fmt.Errorf("group must be non-negative, got %d", it.Group))
		}
		byID[it.ID] = it
	}

	for i, it := range doc.Items {
		if _, ok := byID[it.ID]; !ok {
			continue
		}
		for j, dep := range it.Dependencies {
			field := fmt.Sprintf("items[%d].dependencies[%d]", i, j)
			target, ok := byID[dep]
			if !ok {
				errs = errs.Append(field, fmt.Errorf("item %q depends on unknown id %q", it.ID, dep))
				continue
			}
			if target.Group > it.Group {
				errs = errs.Append(field, fmt.Errorf("item %q (group %d) depends on %q in higher group %d", it.ID, it.Group, dep, target.Group))
			}
		}
	}

	if cycle := findCycle(doc.Items, byID); len(cycle) > 0 {
		errs = errs.Append("dependencies", fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	return errs.ToError()
}

// findCycle returns the ids along the first dependency cycle found, with the
// starting id repeated at the end, or nil when the graph is acyclic. Unknown
// dependency ids are ignored here; Validate reports them separately.
func findCycle(items []Item, byID map[string]Item) []string {
	const (
		unvisited = iota
		visiting
		done
	)

	color := make(map[string]int, len(items))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = visiting
		stack = append(stack, id)

		for _, dep := range byID[id].Dependencies {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch color[dep] {
			case visiting:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, it := range items {
		if _, ok := byID[it.ID]; !ok {
			continue
		}
		if color[it.ID] == unvisited {
			if c := visit(it.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
