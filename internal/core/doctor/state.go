package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/state"
)

// StateCheck verifies the Iteration State decodes and that no other process
// holds the run lock.
type StateCheck struct {
	statePath string
	runLock   lock.Mutex
}

// NewStateCheck creates a new state check.
func NewStateCheck(statePath string, runLock lock.Mutex) *StateCheck {
	return &StateCheck{statePath: statePath, runLock: runLock}
}

func (c *StateCheck) Name() string {
	return "Iteration State"
}

func (c *StateCheck) Run(ctx context.Context) Result {
	result := Result{Name: c.Name()}

	data, err := os.ReadFile(c.statePath)
	switch {
	case os.IsNotExist(err):
		result.Items = append(result.Items, CheckItem{
			Label:  "state",
			Status: StatusPass,
			Detail: "no state yet (first run)",
		})
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  "state",
			Status: StatusFail,
			Detail: fmt.Sprintf("inaccessible: %v", err),
		})
	default:
		s, err := state.Decode(data)
		if err != nil {
			result.Items = append(result.Items, CheckItem{
				Label:  "state",
				Status: StatusFail,
				Detail: err.Error(),
			})
			break
		}
		detail := fmt.Sprintf("iteration %d, phase %s", s.Iteration, s.Phase)
		status := StatusPass
		if s.Phase == state.PhaseHalted {
			status = StatusWarn
			detail += " (" + s.HaltReason + ")"
		}
		result.Items = append(result.Items, CheckItem{
			Label:  "state",
			Status: status,
			Detail: detail,
		})
	}

	release, err := c.runLock.TryAcquire(ctx, 50*time.Millisecond)
	switch {
	case errors.Is(err, lock.ErrLocked):
		result.Items = append(result.Items, CheckItem{
			Label:  "run lock",
			Status: StatusWarn,
			Detail: "held by another process",
		})
	case err != nil:
		result.Items = append(result.Items, CheckItem{
			Label:  "run lock",
			Status: StatusFail,
			Detail: err.Error(),
		})
	default:
		_ = release()
		result.Items = append(result.Items, CheckItem{
			Label:  "run lock",
			Status: StatusPass,
			Detail: "available",
		})
	}

	return result
}
