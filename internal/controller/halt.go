package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/core/task"
)

// Reason names why a run stopped.
type Reason string

const (
	ReasonSetup                Reason = "setup"
	ReasonValidation           Reason = "store_validation"
	ReasonInvalidSelection     Reason = "invalid_selection"
	ReasonBaseline             Reason = "baseline_failure"
	ReasonPostVerify           Reason = "post_verify_failure"
	ReasonCircuitBreaker       Reason = "circuit_breaker"
	ReasonNoProgress           Reason = "no_progress"
	ReasonScope                Reason = "scope_violation"
	ReasonCheat                Reason = "cheat_detected"
	ReasonDirtyWorkspace       Reason = "dirty_workspace"
	ReasonSignature            Reason = "verification_signature"
	ReasonSentinelMismatch     Reason = "sentinel_mismatch"
	ReasonInvalidStateFlip     Reason = "invalid_state_flip"
	ReasonIncompleteCompletion Reason = "incomplete_completion"
	ReasonLocked               Reason = "locked"
	ReasonCorruptState         Reason = "corrupt_state"
	ReasonRollback             Reason = "rollback_failure"
	ReasonInternal             Reason = "internal"
)

// Process exit codes outside the halt reasons.
const (
	ExitOK          = 0
	ExitInternal    = 1
	ExitInterrupted = 130
)

var exitCodes = map[Reason]int{
	ReasonSetup:                2,
	ReasonValidation:           3,
	ReasonInvalidSelection:     4,
	ReasonBaseline:             5,
	ReasonPostVerify:           6,
	ReasonCircuitBreaker:       7,
	ReasonNoProgress:           8,
	ReasonScope:                9,
	ReasonCheat:                10,
	ReasonDirtyWorkspace:       11,
	ReasonSignature:            12,
	ReasonSentinelMismatch:     13,
	ReasonInvalidStateFlip:     14,
	ReasonIncompleteCompletion: 15,
	ReasonLocked:               16,
	ReasonCorruptState:         17,
	ReasonRollback:             18,
	ReasonInternal:             ExitInternal,
}

func (r Reason) String() string {
	return string(r)
}

// ExitCode returns the process exit code for r. Unknown reasons map to the
// internal error code.
func (r Reason) ExitCode() int {
	if code, ok := exitCodes[r]; ok {
		return code
	}
	return ExitInternal
}

// HaltError stops the loop. The run's blocked.json records it.
type HaltError struct {
	Reason Reason
	ItemID string
	Err    error
}

func (e *HaltError) Error() string {
	msg := "halted: " + e.Reason.String()
	if e.ItemID != "" {
		msg += " (item " + e.ItemID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HaltError) Unwrap() error { return e.Err }

// Halt builds a HaltError.
func Halt(reason Reason, itemID string, err error) *HaltError {
	return &HaltError{Reason: reason, ItemID: itemID, Err: err}
}

// Haltf builds a HaltError with a formatted cause.
func Haltf(reason Reason, itemID, format string, args ...any) *HaltError {
	return Halt(reason, itemID, fmt.Errorf(format, args...))
}

// Classify maps an error from anywhere in a run to a halt reason. ok is
// false for errors that have no reason of their own.
func Classify(err error) (Reason, bool) {
	var halt *HaltError
	var corrupt *task.CorruptStoreError
	var invariant *task.InvariantError

	switch {
	case errors.As(err, &halt):
		return halt.Reason, true
	case errors.Is(err, lock.ErrLocked):
		return ReasonLocked, true
	case errors.Is(err, state.ErrCorruptState):
		return ReasonCorruptState, true
	case errors.As(err, &corrupt), errors.As(err, &invariant):
		return ReasonValidation, true
	}
	return "", false
}

// ExitCode returns the process exit code for the outcome of a run.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	if reason, ok := Classify(err); ok {
		return reason.ExitCode()
	}
	return ExitInternal
}
