package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/colonyops/overseer/pkg/tmpl"
	"github.com/rs/zerolog"
)

// DispatchResult describes one worker invocation.
type DispatchResult struct {
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Worker performs the work for one item.
type Worker interface {
	// Dispatch runs the worker with instruction, streaming its output to
	// stdout and stderr. Sentinels are read from stdout only. A non-zero
	// exit or a timeout is reported in the result; the error is reserved
	// for workers that could not start or were interrupted by ctx.
	Dispatch(ctx context.Context, instruction string, stdout, stderr io.Writer) (DispatchResult, error)
}

// CommandWorker runs an external command with the instruction as its final
// argument.
type CommandWorker struct {
	exec    executil.Executor
	command []string
	dir     string
	timeout time.Duration
	log     zerolog.Logger
}

// NewCommandWorker creates a CommandWorker.
func NewCommandWorker(exec executil.Executor, command []string, dir string, timeout time.Duration, log zerolog.Logger) *CommandWorker {
	return &CommandWorker{exec: exec, command: command, dir: dir, timeout: timeout, log: log}
}

func (w *CommandWorker) Dispatch(ctx context.Context, instruction string, stdout, stderr io.Writer) (DispatchResult, error) {
	if len(w.command) == 0 {
		return DispatchResult{}, errors.New("worker command is not configured")
	}

	runCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	args := append(append([]string{}, w.command[1:]...), instruction)

	start := time.Now()
	err := w.exec.RunDirStream(runCtx, w.dir, nil, stdout, stderr, w.command[0], args...)
	res := DispatchResult{Duration: time.Since(start)}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
	default:
		code, ok := executil.ExitCode(err)
		if !ok {
			return res, fmt.Errorf("run worker %s: %w", w.command[0], err)
		}
		res.ExitCode = code
	}

	w.log.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("worker finished")

	return res, nil
}

// RenderInstruction renders the worker instruction template.
func RenderInstruction(text string, data config.InstructionData) (string, error) {
	out, err := tmpl.Render(text, data)
	if err != nil {
		return "", fmt.Errorf("render instruction: %w", err)
	}
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
