// Package state persists the controller's Iteration State between
// iterations and across process restarts.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/hay-kot/criterio"

	"github.com/colonyops/overseer/internal/core/verify"
)

// Version is the only Iteration State format this build reads and writes.
const Version = 1

// ErrCorruptState is returned for a state file that exists but cannot be
// trusted. It is never replaced with defaults.
var ErrCorruptState = errors.New("corrupt iteration state")

// Phase is a controller loop state.
type Phase string

const (
	PhaseSelecting      Phase = "SELECTING"
	PhaseBaselineVerify Phase = "BASELINE_VERIFY"
	PhaseDispatching    Phase = "DISPATCHING"
	PhasePostVerify     Phase = "POST_VERIFY"
	PhaseScopeCheck     Phase = "SCOPE_CHECK"
	PhaseCommitting     Phase = "COMMITTING"
	PhaseHalted         Phase = "HALTED"
	PhaseDone           Phase = "DONE"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseSelecting, PhaseBaselineVerify, PhaseDispatching, PhasePostVerify,
		PhaseScopeCheck, PhaseCommitting, PhaseHalted, PhaseDone:
		return true
	}
	return false
}

// IterationState is the controller's persisted progress record.
type IterationState struct {
	Version                int            `json:"version"`
	RunID                  string         `json:"run_id"`
	Iteration              int            `json:"iteration"`
	Phase                  Phase          `json:"phase"`
	SelectedItemID         string         `json:"selected_item_id"`
	LastGoodCheckpoint     string         `json:"last_good_checkpoint"`
	LastVerifyPre          *verify.Result `json:"last_verify_pre_result"`
	LastVerifyPost         *verify.Result `json:"last_verify_post_result"`
	FailureSignature       string         `json:"failure_signature"`
	FailureStreak          int            `json:"failure_streak"`
	NoProgressStreak       int            `json:"no_progress_streak"`
	LastProgressCheckpoint string         `json:"last_progress_checkpoint"`
	LastProgressStoreHash  string         `json:"last_progress_store_hash"`
	RateLimitWindowStart   time.Time      `json:"rate_limit_window_start"`
	RateLimitCount         int            `json:"rate_limit_count"`
	HaltReason             string         `json:"halt_reason,omitempty"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// New returns the state for a workspace that has never been run.
func New() IterationState {
	return IterationState{
		Version: Version,
		Phase:   PhaseSelecting,
	}
}

// LastVerify returns the most recent recorded verification, preferring the
// post-dispatch result.
func (s IterationState) LastVerify() *verify.Result {
	if s.LastVerifyPost != nil {
		return s.LastVerifyPost
	}
	return s.LastVerifyPre
}

// Validate checks the invariants of a decoded state.
func (s IterationState) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if s.Version != Version {
		errs = errs.Append("version", fmt.Errorf("unsupported version %d, want %d", s.Version, Version))
	}
	if !s.Phase.Valid() {
		errs = errs.Append("phase", fmt.Errorf("unknown phase %q", s.Phase))
	}

	counters := []struct {
		field string
		n     int
	}{
		{"iteration", s.Iteration},
		{"failure_streak", s.FailureStreak},
		{"no_progress_streak", s.NoProgressStreak},
		{"rate_limit_count", s.RateLimitCount},
	}
	for _, c := range counters {
		if c.n < 0 {
			errs = errs.Append(c.field, fmt.Errorf("must be non-negative, got %d", c.n))
		}
	}

	if s.FailureStreak > 0 && s.FailureSignature == "" {
		errs = errs.Append("failure_signature", errors.New("required when failure_streak is positive"))
	}

	return errs.ToError()
}
