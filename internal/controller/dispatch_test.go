package controller

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "lo world", tb.String())

	_, _ = tb.Write([]byte("0123456789abc"))
	assert.Equal(t, "56789abc", tb.String())
}

func TestCommandWorker_Dispatch(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  bool
	}{
		{name: "success"},
		{name: "non-zero exit", err: &executil.ExitCodeError{Code: 3}, wantCode: 3},
		{name: "failed to start", err: errors.New("executable not found"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &executil.RecordingExecutor{
				Outputs: map[string][]byte{"agent": []byte("working\n<mark_pass>a</mark_pass>\n")},
				Errors:  map[string]error{"agent": tt.err},
			}
			w := NewCommandWorker(exec, []string{"agent", "-p"}, "/ws", 0, zerolog.Nop())

			var stdout, stderr bytes.Buffer
			res, err := w.Dispatch(context.Background(), "do the thing", &stdout, &stderr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.False(t, res.TimedOut)
			assert.Contains(t, stdout.String(), "<mark_pass>a</mark_pass>")

			require.Len(t, exec.Commands, 1)
			assert.Equal(t, "/ws", exec.Commands[0].Dir)
			assert.Equal(t, []string{"-p", "do the thing"}, exec.Commands[0].Args)
		})
	}
}

func TestCommandWorker_NoCommand(t *testing.T) {
	w := NewCommandWorker(&executil.RecordingExecutor{}, nil, "", 0, zerolog.Nop())
	_, err := w.Dispatch(context.Background(), "x", &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestRenderInstruction_Default(t *testing.T) {
	item := mkItem("auth-1", 0, 1)
	item.Title = "Add login"
	item.Scope.Avoid = []string{"vendor/**"}

	out, err := RenderInstruction(config.DefaultInstruction, config.InstructionData{
		RunID:            "run-1",
		Iteration:        4,
		Item:             item,
		StorePath:        "plans/prd.json",
		VerifyEntrypoint: "plans/verify.sh",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "auth-1")
	assert.Contains(t, out, "Add login")
	assert.Contains(t, out, "- src/**")
	assert.Contains(t, out, "- vendor/**")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "<mark_pass>auth-1</mark_pass>"))
}

func TestRenderInstruction_MissingKey(t *testing.T) {
	_, err := RenderInstruction("{{ .Nope }}", config.InstructionData{})
	require.Error(t, err)
}
