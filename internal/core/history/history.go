// Package history defines the iteration history domain types and interfaces.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an iteration is not in the history.
var ErrNotFound = errors.New("iteration not found")

// Entry is the recorded outcome of one iteration.
type Entry struct {
	RunID          string    `json:"run_id"`
	Iteration      int       `json:"iteration"`
	ItemID         string    `json:"item_id,omitempty"`
	Group          int       `json:"group"`
	Outcome        string    `json:"outcome"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	CheckpointPre  string    `json:"checkpoint_pre,omitempty"`
	CheckpointPost string    `json:"checkpoint_post,omitempty"`
	VerifyPreExit  *int      `json:"verify_pre_exit,omitempty"`
	VerifyPostExit *int      `json:"verify_post_exit,omitempty"`
	WorkerExit     *int      `json:"worker_exit,omitempty"`
	Flipped        bool      `json:"flipped"`
	Paths          []Path    `json:"paths,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Halted reports whether the iteration ended the run with a halt.
func (e *Entry) Halted() bool {
	return e.HaltReason != ""
}

// Duration is the wall time the iteration took.
func (e *Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// Path is a path changed by an iteration. Violation is set when the change
// broke the item's scope.
type Path struct {
	Path      string `json:"path"`
	Violation string `json:"violation,omitempty"`
}

// Run summarizes the iterations of one run.
type Run struct {
	ID         string    `json:"id"`
	Iterations int       `json:"iterations"`
	Passed     int       `json:"passed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Filter narrows a List call. Zero values match everything; Limit 0 means
// the store's default.
type Filter struct {
	RunID  string
	ItemID string
	Limit  int
}

// Store reads the iteration history.
type Store interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
	Get(ctx context.Context, runID string, iteration int) (Entry, error)
	Runs(ctx context.Context, limit int) ([]Run, error)
}
