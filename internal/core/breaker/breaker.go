// Package breaker stops the controller when it keeps failing the same way
// or stops making progress.
package breaker

import (
	"errors"
	"fmt"
)

var (
	// ErrRepeatedFailure trips when the same failure signature repeats.
	ErrRepeatedFailure = errors.New("circuit breaker: repeated identical failure")
	// ErrNoProgress trips when neither the workspace nor the task store
	// changes across iterations.
	ErrNoProgress = errors.New("circuit breaker: no progress")
)

// Config holds trip thresholds.
type Config struct {
	MaxSameFailure int
	MaxNoProgress  int
}

// Counters is the breaker state carried in the Iteration State.
type Counters struct {
	FailureSignature string
	FailureStreak    int
	NoProgressStreak int
	LastCheckpoint   string
	LastStoreHash    string
}

// Breaker tracks failure and progress streaks.
type Breaker struct {
	cfg Config
	c   Counters
}

// New creates a Breaker resuming from c. Zero thresholds default to 3
// repeated failures and 2 iterations without progress.
func New(cfg Config, c Counters) *Breaker {
	if cfg.MaxSameFailure <= 0 {
		cfg.MaxSameFailure = 3
	}
	if cfg.MaxNoProgress <= 0 {
		cfg.MaxNoProgress = 2
	}
	return &Breaker{cfg: cfg, c: c}
}

// Counters returns the current state for persisting.
func (b *Breaker) Counters() Counters {
	return b.c
}

// RecordFailure counts a failed verification with signature sig.
func (b *Breaker) RecordFailure(sig string) error {
	if sig != "" && sig == b.c.FailureSignature {
		b.c.FailureStreak++
	} else {
		b.c.FailureSignature = sig
		b.c.FailureStreak = 1
	}

	if b.c.FailureStreak >= b.cfg.MaxSameFailure {
		return fmt.Errorf("%w: signature %s seen %d times", ErrRepeatedFailure, shortSig(sig), b.c.FailureStreak)
	}
	return nil
}

// RecordSuccess clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.c.FailureSignature = ""
	b.c.FailureStreak = 0
}

// Snapshot identifies the workspace and task store at one point in time.
type Snapshot struct {
	Checkpoint string
	StoreHash  string
}

// RecordProgress counts an iteration that ended where it started. before is
// the iteration's own pre-dispatch snapshot.
func (b *Breaker) RecordProgress(before, after Snapshot) error {
	if before == after {
		b.c.NoProgressStreak++
	} else {
		b.c.NoProgressStreak = 0
	}
	b.c.LastCheckpoint = after.Checkpoint
	b.c.LastStoreHash = after.StoreHash

	if b.c.NoProgressStreak >= b.cfg.MaxNoProgress {
		return fmt.Errorf("%w: %d iterations without change", ErrNoProgress, b.c.NoProgressStreak)
	}
	return nil
}

func shortSig(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
