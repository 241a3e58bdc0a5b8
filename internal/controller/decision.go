package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/ratelimit"
	"github.com/colonyops/overseer/internal/core/verify"
)

// Outcome is how an iteration ended.
type Outcome string

const (
	// OutcomePassed means the item's passed flag was flipped and committed.
	OutcomePassed      Outcome = "passed"
	// OutcomeKept means verification passed but the worker did not claim
	// the item.
	OutcomeKept        Outcome = "kept"
	// OutcomeRolledBack means post-verification failed and the workspace
	// was restored to the last good checkpoint.
	OutcomeRolledBack  Outcome = "rolled_back"
	// OutcomeTimedOut means the worker hit its timeout. Verified work is
	// kept but counts as a failure for the circuit breaker.
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeDone        Outcome = "done"
	OutcomeDryRun      Outcome = "dry_run"
	OutcomeHalted      Outcome = "halted"
	OutcomeInterrupted Outcome = "interrupted"
)

// Decision is the record of one iteration. It is written to the
// iteration's decision.json and handed to the Recorder.
type Decision struct {
	RunID          string              `json:"run_id"`
	Iteration      int                 `json:"iteration"`
	ItemID         string              `json:"item_id,omitempty"`
	Group          int                 `json:"group"`
	Outcome        Outcome             `json:"outcome"`
	HaltReason     Reason              `json:"halt_reason,omitempty"`
	Error          string              `json:"error,omitempty"`
	CheckpointPre  string              `json:"checkpoint_pre,omitempty"`
	CheckpointPost string              `json:"checkpoint_post,omitempty"`
	StoreHashPre   string              `json:"store_hash_pre,omitempty"`
	StoreHashPost  string              `json:"store_hash_post,omitempty"`
	VerifyPre      *verify.Result      `json:"verify_pre,omitempty"`
	VerifyPost     *verify.Result      `json:"verify_post,omitempty"`
	Dispatch       *DispatchResult     `json:"dispatch,omitempty"`
	RateLimit      *ratelimit.Decision `json:"rate_limit,omitempty"`
	MarkPass       string              `json:"mark_pass,omitempty"`
	Complete       bool                `json:"complete,omitempty"`
	Flipped        bool                `json:"flipped"`
	ChangedPaths   []string            `json:"changed_paths,omitempty"`
	Violations     []guard.Violation   `json:"violations,omitempty"`
	Signals        []guard.Signal      `json:"signals,omitempty"`
	Warnings       []string            `json:"warnings,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
}

// ProgressLine renders d as one line of the progress log.
func (d Decision) ProgressLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run=%s iter=%d", d.RunID, d.Iteration)
	if d.ItemID != "" {
		fmt.Fprintf(&b, " item=%s", d.ItemID)
	}
	fmt.Fprintf(&b, " outcome=%s", d.Outcome)
	if d.HaltReason != "" {
		fmt.Fprintf(&b, " reason=%s", d.HaltReason)
	}
	if d.CheckpointPost != "" {
		fmt.Fprintf(&b, " checkpoint=%s", shortRef(d.CheckpointPost))
	}
	return b.String()
}

// Blocked is the content of blocked.json.
type Blocked struct {
	RunID      string            `json:"run_id"`
	Iteration  int               `json:"iteration,omitempty"`
	ItemID     string            `json:"item_id,omitempty"`
	Reason     Reason            `json:"reason"`
	ExitCode   int               `json:"exit_code"`
	Error      string            `json:"error"`
	Violations []guard.Violation `json:"violations,omitempty"`
	Signals    []guard.Signal    `json:"signals,omitempty"`
	HaltedAt   time.Time         `json:"halted_at"`
}

func shortRef(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
