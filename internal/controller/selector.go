package controller

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/rs/zerolog"
)

// ErrNoEligibleItem is returned when the active group has nothing the
// controller may pick.
var ErrNoEligibleItem = errors.New("no eligible item in active group")

// Selector picks the next item from the active group.
type Selector interface {
	Select(ctx context.Context, q *task.Queue, group int) (task.Item, error)
}

// QueueSelector picks the highest-priority eligible item, breaking ties by
// file order.
type QueueSelector struct{}

func (QueueSelector) Select(_ context.Context, q *task.Queue, group int) (task.Item, error) {
	it, ok := q.SelectEligible(group)
	if !ok {
		return task.Item{}, fmt.Errorf("group %d: %w", group, ErrNoEligibleItem)
	}
	return it, nil
}

// CommandSelector delegates the choice to an external command. The command
// receives the group number as its final argument and prints the chosen id
// on the first non-empty line of stdout. The id must name an eligible item
// of the group; anything else is an error, never a fallback.
type CommandSelector struct {
	exec    executil.Executor
	command []string
	dir     string
	timeout time.Duration
	log     zerolog.Logger
}

// NewCommandSelector creates a CommandSelector.
func NewCommandSelector(exec executil.Executor, command []string, dir string, timeout time.Duration, log zerolog.Logger) *CommandSelector {
	return &CommandSelector{exec: exec, command: command, dir: dir, timeout: timeout, log: log}
}

func (s *CommandSelector) Select(ctx context.Context, q *task.Queue, group int) (task.Item, error) {
	if len(s.command) == 0 {
		return task.Item{}, errors.New("delegated selection has no command")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.command[1:]...), strconv.Itoa(group))
	out, err := s.exec.RunDir(ctx, s.dir, s.command[0], args...)
	if err != nil {
		return task.Item{}, fmt.Errorf("run selector: %w", err)
	}

	id := firstLine(out)
	if id == "" {
		return task.Item{}, errors.New("selector printed no item id")
	}

	s.log.Debug().Str("item_id", id).Int("group", group).Msg("selector chose item")

	for _, it := range q.Pending(group) {
		if it.ID != id {
			continue
		}
		if it.NeedsHumanDecision {
			return task.Item{}, fmt.Errorf("selector chose %q, which needs a human decision", id)
		}
		return it, nil
	}

	if it, ok := q.Find(id); ok {
		if it.State.Passed {
			return task.Item{}, fmt.Errorf("selector chose %q, which has already passed", id)
		}
		return task.Item{}, fmt.Errorf("selector chose %q from group %d, active group is %d", id, it.Group, group)
	}
	return task.Item{}, fmt.Errorf("selector chose unknown item %q", id)
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}
