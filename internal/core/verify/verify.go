// Package verify runs the verification entrypoint and decides whether a
// recorded verification result can be trusted.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/colonyops/overseer/pkg/executil"
)

const defaultTailLines = 50

// Result is the outcome of one verification run. It is persisted in the
// Iteration State, so every field is part of the on-disk format.
type Result struct {
	Mode             string        `json:"mode"`
	ModeRan          string        `json:"mode_ran"`
	ExitCode         int           `json:"exit_code"`
	TimedOut         bool          `json:"timed_out,omitempty"`
	Signature        string        `json:"signature"`
	Checkpoint       string        `json:"checkpoint"`
	FailureSignature string        `json:"failure_signature,omitempty"`
	Duration         time.Duration `json:"duration"`
	LogPath          string        `json:"log_path,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
}

// Passed reports whether the entrypoint exited zero within its timeout.
func (r Result) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner invokes `<entrypoint> <mode>` in the workspace.
type Runner struct {
	exec       executil.Executor
	log        zerolog.Logger
	workspace  string
	entrypoint string
	timeout    time.Duration
	tailLines  int
	now        func() time.Time
}

// Options configures a Runner.
type Options struct {
	Workspace  string
	Entrypoint string
	Timeout    time.Duration
	TailLines  int
}

// NewRunner creates a Runner. A zero TailLines uses the last 50 lines for
// failure signatures.
func NewRunner(exec executil.Executor, log zerolog.Logger, opts Options) *Runner {
	tail := opts.TailLines
	if tail <= 0 {
		tail = defaultTailLines
	}
	return &Runner{
		exec:       exec,
		log:        log,
		workspace:  opts.Workspace,
		entrypoint: opts.Entrypoint,
		timeout:    opts.Timeout,
		tailLines:  tail,
		now:        time.Now,
	}
}

// EntrypointPath returns the entrypoint resolved against the workspace.
func (r *Runner) EntrypointPath() string {
	if filepath.IsAbs(r.entrypoint) {
		return r.entrypoint
	}
	return filepath.Join(r.workspace, r.entrypoint)
}

// Run executes the entrypoint for mode against the workspace as it exists at
// checkpoint, streaming the log to logw. A failing or timed-out run is
// reported through the Result; the error is reserved for runs that could not
// be started or were interrupted by ctx.
func (r *Runner) Run(ctx context.Context, mode, checkpoint string, logw io.Writer) (Result, error) {
	res := Result{
		Mode:       mode,
		Checkpoint: checkpoint,
		StartedAt:  r.now(),
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if logw == nil {
		logw = io.Discard
	}
	scan := newLogScanner(logw, r.tailLines)

	err := r.exec.RunDirStream(runCtx, r.workspace, nil, scan, scan, r.EntrypointPath(), mode)
	scan.Flush()
	res.Duration = r.now().Sub(res.StartedAt)
	res.Signature = scan.signature
	res.ModeRan = scan.mode

	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
	default:
		code, ok := executil.ExitCode(err)
		if !ok {
			return res, fmt.Errorf("run verification %s: %w", r.entrypoint, err)
		}
		res.ExitCode = code
	}

	if !res.Passed() {
		res.FailureSignature = FailureSignature(scan.Tail())
	}

	r.log.Info().
		Str("mode", mode).
		Str("mode_ran", res.ModeRan).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("verification finished")

	return res, nil
}
