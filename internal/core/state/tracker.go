package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/pkg/fsutil"
)

// Tracker reads and writes the Iteration State file. Every read-modify-write
// runs under the cross-process state lock.
type Tracker struct {
	path    string
	mu      lock.Mutex
	timeout time.Duration
	now     func() time.Time
}

// NewTracker creates a Tracker for the state file at path, serialized by mu.
func NewTracker(path string, mu lock.Mutex, timeout time.Duration) *Tracker {
	return &Tracker{
		path:    path,
		mu:      mu,
		timeout: timeout,
		now:     time.Now,
	}
}

// Path returns the state file path.
func (t *Tracker) Path() string {
	return t.path
}

// Load returns the persisted state, or New() when no state file exists.
func (t *Tracker) Load(ctx context.Context) (IterationState, error) {
	release, err := t.mu.TryAcquire(ctx, t.timeout)
	if err != nil {
		return IterationState{}, err
	}
	defer func() { _ = release() }()

	return t.read()
}

// Update applies fn to the current state and persists the result
// atomically. Nothing is written when fn returns an error.
func (t *Tracker) Update(ctx context.Context, fn func(s *IterationState) error) (IterationState, error) {
	release, err := t.mu.TryAcquire(ctx, t.timeout)
	if err != nil {
		return IterationState{}, err
	}
	defer func() { _ = release() }()

	s, err := t.read()
	if err != nil {
		return IterationState{}, err
	}

	if err := fn(&s); err != nil {
		return IterationState{}, err
	}

	s.Version = Version
	s.UpdatedAt = t.now().UTC()
	if err := s.Validate(); err != nil {
		return IterationState{}, fmt.Errorf("refusing to write invalid state: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return IterationState{}, fmt.Errorf("encode state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(t.path, append(data, '\n'), 0o644); err != nil {
		return IterationState{}, fmt.Errorf("write state: %w", err)
	}

	return s, nil
}

func (t *Tracker) read() (IterationState, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return IterationState{}, fmt.Errorf("read state: %w", err)
	}

	return Decode(data)
}

// Decode parses and validates a state file's contents.
func Decode(data []byte) (IterationState, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return IterationState{}, fmt.Errorf("%w: file is empty", ErrCorruptState)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s IterationState
	if err := dec.Decode(&s); err != nil {
		return IterationState{}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return IterationState{}, fmt.Errorf("%w: trailing data", ErrCorruptState)
	}
	if err := s.Validate(); err != nil {
		return IterationState{}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}

	return s, nil
}
