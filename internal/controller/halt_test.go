package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), ExitInterrupted},
		{"halt", Haltf(ReasonScope, "a", "bad path"), 9},
		{"wrapped halt", fmt.Errorf("run: %w", Halt(ReasonCheat, "", nil)), 10},
		{"locked", fmt.Errorf("x: %w", lock.ErrLocked), 16},
		{"corrupt state", state.ErrCorruptState, 17},
		{"corrupt store", &task.CorruptStoreError{Path: "p", Err: errors.New("bad")}, 3},
		{"internal halt", Halt(ReasonInternal, "", errors.New("boom")), ExitInternal},
		{"plain error", errors.New("boom"), ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestReason_ExitCodesAreDistinct(t *testing.T) {
	seen := map[int]Reason{}
	for r, code := range exitCodes {
		if r == ReasonInternal {
			continue
		}
		prev, dup := seen[code]
		assert.False(t, dup, "%s and %s share exit code %d", r, prev, code)
		seen[code] = r
		assert.NotContains(t, []int{ExitOK, ExitInternal, ExitInterrupted}, code, r)
	}
}

func TestHaltError_Message(t *testing.T) {
	err := Haltf(ReasonSentinelMismatch, "item-1", "marked %q", "item-2")
	assert.Equal(t, `halted: sentinel_mismatch (item item-1): marked "item-2"`, err.Error())

	bare := Halt(ReasonLocked, "", nil)
	assert.Equal(t, "halted: locked", bare.Error())
}

func TestClassify(t *testing.T) {
	_, ok := Classify(errors.New("boom"))
	assert.False(t, ok)

	r, ok := Classify(&task.InvariantError{Path: "p", Err: errors.New("cycle")})
	assert.True(t, ok)
	assert.Equal(t, ReasonValidation, r)
}
