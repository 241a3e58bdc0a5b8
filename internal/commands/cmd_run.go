package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/colonyops/overseer/internal/controller"
	"github.com/colonyops/overseer/internal/core/artifact"
	"github.com/colonyops/overseer/internal/core/breaker"
	"github.com/colonyops/overseer/internal/core/checkpoint"
	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/logging"
	"github.com/colonyops/overseer/internal/core/ratelimit"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/internal/core/verify"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

type RunCmd struct {
	flags *Flags

	runID          string
	maxIterations  int
	verifyMode     string
	selfHeal       bool
	selectionMode  string
	rateLimit      int
	rateWindow     time.Duration
	maxSameFailure int
	maxNoProgress  int
	cheatMode      string
	dryRun         bool
	strict         bool
	noHistory      bool
}

// NewRunCmd creates a new run command.
func NewRunCmd(flags *Flags) *RunCmd {
	return &RunCmd{flags: flags}
}

// Register adds the run command to the application.
func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run the iteration loop until the queue is done or a halt fires",
		UsageText: "overseer run [options]",
		Description: `Runs iterations against the task store: select one item, verify the
baseline, dispatch the worker, verify again, check the change, and commit or
roll back. A halt exits with a code naming its reason and leaves blocked.json
in the run's artifact directory.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "run-id",
				Usage:       "run identifier (defaults to a new UUID)",
				Sources:     cli.EnvVars("OVERSEER_RUN_ID"),
				Destination: &cmd.runID,
			},
			&cli.IntFlag{
				Name:        "max-iterations",
				Aliases:     []string{"n"},
				Usage:       "stop after N iterations (0 = unlimited)",
				Sources:     cli.EnvVars("OVERSEER_MAX_ITERATIONS"),
				Destination: &cmd.maxIterations,
			},
			&cli.StringFlag{
				Name:        "verify-mode",
				Usage:       "mode passed to the verification entrypoint",
				Sources:     cli.EnvVars("OVERSEER_VERIFY_MODE"),
				Destination: &cmd.verifyMode,
			},
			&cli.BoolFlag{
				Name:        "self-heal",
				Usage:       "restore the last good checkpoint instead of halting on failed verification",
				Sources:     cli.EnvVars("OVERSEER_SELF_HEAL"),
				Destination: &cmd.selfHeal,
			},
			&cli.StringFlag{
				Name:        "selection-mode",
				Usage:       "item selection (controller, delegated)",
				Sources:     cli.EnvVars("OVERSEER_SELECTION_MODE"),
				Destination: &cmd.selectionMode,
			},
			&cli.IntFlag{
				Name:        "rate-limit",
				Usage:       "maximum worker calls per window",
				Sources:     cli.EnvVars("OVERSEER_RATE_LIMIT"),
				Destination: &cmd.rateLimit,
			},
			&cli.DurationFlag{
				Name:        "rate-window",
				Usage:       "rate limit window",
				Sources:     cli.EnvVars("OVERSEER_RATE_WINDOW"),
				Destination: &cmd.rateWindow,
			},
			&cli.IntFlag{
				Name:        "max-same-failure",
				Usage:       "halt after N consecutive failures with the same signature",
				Sources:     cli.EnvVars("OVERSEER_MAX_SAME_FAILURE"),
				Destination: &cmd.maxSameFailure,
			},
			&cli.IntFlag{
				Name:        "max-no-progress",
				Usage:       "halt after N iterations without a new checkpoint or store change",
				Sources:     cli.EnvVars("OVERSEER_MAX_NO_PROGRESS"),
				Destination: &cmd.maxNoProgress,
			},
			&cli.StringFlag{
				Name:        "cheat-mode",
				Usage:       "cheat detection (off, warn, block)",
				Sources:     cli.EnvVars("OVERSEER_CHEAT_MODE"),
				Destination: &cmd.cheatMode,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "render the instruction and stop before calling the worker",
				Sources:     cli.EnvVars("OVERSEER_DRY_RUN"),
				Destination: &cmd.dryRun,
			},
			&cli.BoolFlag{
				Name:        "strict",
				Usage:       "treat warnings as halts",
				Sources:     cli.EnvVars("OVERSEER_STRICT"),
				Destination: &cmd.strict,
			},
			&cli.BoolFlag{
				Name:        "no-history",
				Usage:       "do not record iterations in the ledger",
				Destination: &cmd.noHistory,
			},
		},
		Action: cmd.run,
	})

	return app
}

// apply layers explicitly set flags over the loaded config.
func (cmd *RunCmd) apply(c *cli.Command, cfg *config.Config) {
	if c.IsSet("max-iterations") {
		cfg.MaxIterations = cmd.maxIterations
	}
	if c.IsSet("verify-mode") {
		cfg.Verify.Mode = cmd.verifyMode
	}
	if c.IsSet("self-heal") {
		cfg.SelfHeal = cmd.selfHeal
	}
	if c.IsSet("selection-mode") {
		cfg.Selector.Mode = cmd.selectionMode
	}
	if c.IsSet("rate-limit") {
		cfg.RateLimit.Capacity = cmd.rateLimit
	}
	if c.IsSet("rate-window") {
		cfg.RateLimit.Window = cmd.rateWindow
	}
	if c.IsSet("max-same-failure") {
		cfg.Breaker.MaxSameFailure = cmd.maxSameFailure
	}
	if c.IsSet("max-no-progress") {
		cfg.Breaker.MaxNoProgress = cmd.maxNoProgress
	}
	if c.IsSet("cheat-mode") {
		cfg.Guard.CheatMode = cmd.cheatMode
	}
	if c.IsSet("dry-run") {
		cfg.DryRun = cmd.dryRun
	}
	if c.IsSet("strict") {
		cfg.Strict = cmd.strict
	}
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := *cmd.flags.Config
	cmd.apply(c, &cfg)

	if err := cfg.Validate(); err != nil {
		return cmd.exit(controller.Halt(controller.ReasonSetup, "", fmt.Errorf("invalid config: %w", err)))
	}

	runID := cmd.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	cheatMode, err := guard.ParseMode(cfg.Guard.CheatMode)
	if err != nil {
		return cmd.exit(controller.Halt(controller.ReasonSetup, "", err))
	}

	var (
		exec    = &executil.RealExecutor{}
		matcher = guard.NewGlobMatcher()
	)

	deps := controller.Deps{
		Store:   task.NewFileStore(cfg.TaskStorePath()),
		Tracker: newTracker(&cfg),
		RunLock: newRunLock(&cfg),
		Checkpoints: checkpoint.NewGitManager(
			newGit(&cfg, exec), cfg.Workspace, cfg.ControllerDirs(), logging.Component("checkpoint"),
		),
		Verifier: verify.NewRunner(exec, logging.Component("verify"), verify.Options{
			Workspace:  cfg.Workspace,
			Entrypoint: cfg.Verify.Entrypoint,
			Timeout:    cfg.Verify.Timeout,
			TailLines:  cfg.Verify.TailLines,
		}),
		Selector: newSelector(&cfg, exec),
		Limiter: ratelimit.New(ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
			DryRun:   cfg.DryRun,
		}, logging.Component("ratelimit")),
		Matcher:   matcher,
		Detector:  newDetector(&cfg, matcher),
		Artifacts: artifact.NewStore(cfg.ArtifactsPath(), runID),
		Progress:  artifact.NewProgressLog(cfg.ProgressFile(), cfg.ProgressArchiveFile(), cfg.Progress.MaxLines, cfg.Progress.Keep),
	}
	if len(cfg.Worker.Command) > 0 {
		deps.Worker = controller.NewCommandWorker(exec, cfg.Worker.Command, cfg.Workspace, cfg.Worker.Timeout, logging.Component("worker"))
	}

	if !cmd.noHistory {
		history, closer, err := openHistory(&cfg)
		if err != nil {
			log.Warn().Err(err).Msg("iteration ledger unavailable, continuing without history")
		} else {
			defer closer()
			deps.Recorder = history
		}
	}

	opts := controller.Options{
		RunID:         runID,
		Workspace:     cfg.Workspace,
		StorePath:     cfg.TaskStore,
		Entrypoint:    cfg.Verify.Entrypoint,
		VerifyMode:    cfg.Verify.Mode,
		Instruction:   cfg.Worker.Instruction,
		SelfHeal:      cfg.SelfHeal,
		DryRun:        cfg.DryRun,
		Strict:        cfg.Strict,
		MaxIterations: cfg.MaxIterations,
		CheatMode:     cheatMode,
		GlobCeiling:   cfg.Guard.GlobCeiling,
		OwnedPaths:    cfg.OwnedPaths(),
		Breaker: breaker.Config{
			MaxSameFailure: cfg.Breaker.MaxSameFailure,
			MaxNoProgress:  cfg.Breaker.MaxNoProgress,
		},
		LockTimeout: cfg.LockTimeout,
	}

	ctrl := controller.New(opts, deps, logging.Component("controller"))
	sum, err := ctrl.Run(ctx)

	w := os.Stderr
	if err != nil {
		return cmd.exit(err)
	}

	switch {
	case sum.Done:
		_, _ = fmt.Fprintf(w, "%s %s\n", styles.TextSuccessStyle.Render(styles.IconDone), "all items passed")
	case cfg.DryRun:
		_, _ = fmt.Fprintf(w, "%s dry run complete, see %s\n", styles.TextWarningStyle.Render(styles.IconWarn), deps.Artifacts.RunDir())
	default:
		_, _ = fmt.Fprintf(w, "%s iteration limit reached\n", styles.TextMutedStyle.Render(styles.IconPass))
	}
	_, _ = fmt.Fprintf(w, "%s %s  %s %d  %s %d\n",
		styles.TextMutedStyle.Render("run"), sum.RunID,
		styles.TextMutedStyle.Render("iterations"), sum.Iterations,
		styles.TextMutedStyle.Render("passed"), sum.Passed,
	)
	return nil
}

// exit reports err and converts it into the process exit code.
func (cmd *RunCmd) exit(err error) error {
	code := controller.ExitCode(err)

	var halt *controller.HaltError
	switch {
	case errors.As(err, &halt):
		_, _ = fmt.Fprintf(os.Stderr, "%s %s\n", styles.TextErrorStyle.Render(styles.IconFail), halt.Error())
	case code == controller.ExitInterrupted:
		_, _ = fmt.Fprintf(os.Stderr, "%s interrupted\n", styles.TextWarningStyle.Render(styles.IconWarn))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "%s %v\n", styles.TextErrorStyle.Render(styles.IconFail), err)
	}

	return cli.Exit("", code)
}
