package controller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkItem(id string, group, priority int) task.Item {
	return task.Item{
		ID:             id,
		Priority:       priority,
		Group:          group,
		Scope:          task.Scope{Touch: []string{"src/**"}},
		VerifyCommands: []string{"plans/verify.sh full"},
	}
}

func decodeQueue(t *testing.T, items ...task.Item) *task.Queue {
	t.Helper()
	data, err := json.Marshal(task.Document{Project: "demo", Version: 1, Items: items})
	require.NoError(t, err)
	q, err := task.Decode("prd.json", data)
	require.NoError(t, err)
	return q
}

func TestQueueSelector(t *testing.T) {
	passed := mkItem("done", 0, 100)
	passed.State.Passed = true
	human := mkItem("human", 0, 50)
	human.NeedsHumanDecision = true

	q := decodeQueue(t, passed, human, mkItem("low", 0, 1), mkItem("high", 0, 10), mkItem("later", 1, 99))

	it, err := QueueSelector{}.Select(context.Background(), q, 0)
	require.NoError(t, err)
	assert.Equal(t, "high", it.ID)

	_, err = QueueSelector{}.Select(context.Background(), q, 5)
	assert.ErrorIs(t, err, ErrNoEligibleItem)
}

func TestCommandSelector(t *testing.T) {
	human := mkItem("human", 0, 1)
	human.NeedsHumanDecision = true
	passed := mkItem("done", 0, 1)
	passed.State.Passed = true
	q := decodeQueue(t, mkItem("a", 0, 1), human, passed, mkItem("b", 1, 1))

	tests := []struct {
		name    string
		output  string
		err     error
		wantID  string
		wantErr string
	}{
		{name: "valid choice", output: "\n  a  \nignored\n", wantID: "a"},
		{name: "empty output", output: "\n\n", wantErr: "no item id"},
		{name: "unknown id", output: "zzz\n", wantErr: "unknown item"},
		{name: "human item", output: "human\n", wantErr: "human decision"},
		{name: "passed item", output: "done\n", wantErr: "already passed"},
		{name: "other group", output: "b\n", wantErr: "active group is 0"},
		{name: "command fails", err: errors.New("boom"), wantErr: "run selector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &executil.RecordingExecutor{
				Outputs: map[string][]byte{"pick": []byte(tt.output)},
				Errors:  map[string]error{"pick": tt.err},
			}
			s := NewCommandSelector(exec, []string{"pick", "--json"}, "/ws", 0, zerolog.Nop())

			it, err := s.Select(context.Background(), q, 0)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, it.ID)

			require.Len(t, exec.Commands, 1)
			assert.Equal(t, "/ws", exec.Commands[0].Dir)
			assert.Equal(t, []string{"--json", "0"}, exec.Commands[0].Args)
		})
	}
}

func TestCommandSelector_NoCommand(t *testing.T) {
	s := NewCommandSelector(&executil.RecordingExecutor{}, nil, "", 0, zerolog.Nop())
	_, err := s.Select(context.Background(), decodeQueue(t, mkItem("a", 0, 1)), 0)
	require.Error(t, err)
}
