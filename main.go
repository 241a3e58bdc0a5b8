package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/colonyops/overseer/internal/commands"
	"github.com/colonyops/overseer/internal/controller"
	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/logging"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/pkg/logutils"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	v, c, d := version, commit, date

	// ldflags aren't set by `go install module@version`; fall back to the
	// module version and VCS metadata Go records in the binary.
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					c = s.Value
				case "vcs.time":
					d = s.Value
				}
			}
		}
	}

	short := c
	if len(c) > 7 {
		short = c[:7]
	}

	return fmt.Sprintf("%s (%s) %s", v, short, d)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var logCloser func()

	flags := &commands.Flags{}

	app := commands.NewApp(flags, build())
	app.Before = func(ctx context.Context, c *cli.Command) (context.Context, error) {
		workspace, err := filepath.Abs(flags.Workspace)
		if err != nil {
			return ctx, controller.Halt(controller.ReasonSetup, "", fmt.Errorf("resolve workspace: %w", err))
		}
		flags.Workspace = workspace

		cfg, err := config.Load(flags.ResolveConfigPath(), workspace)
		if err != nil {
			return ctx, controller.Halt(controller.ReasonSetup, "", fmt.Errorf("load config: %w", err))
		}
		flags.Config = cfg

		logFile := flags.LogFile
		if logFile == "" {
			logFile = cfg.LogFile()
		}

		logger, closer, err := logutils.New(flags.LogLevel, logFile)
		if err != nil {
			return ctx, controller.Halt(controller.ReasonSetup, "", fmt.Errorf("setup logger: %w", err))
		}
		log.Logger = logger.Hook(logging.ContextHook{})
		logCloser = closer

		palette, ok := styles.GetPalette(flags.Theme)
		if !ok {
			return ctx, controller.Haltf(controller.ReasonSetup, "", "unknown theme %q", flags.Theme)
		}
		styles.SetTheme(palette)

		log.Debug().Str("workspace", workspace).Str("version", version).Msg("overseer starting")
		return ctx, nil
	}
	app.After = func(ctx context.Context, c *cli.Command) error {
		if logCloser != nil {
			logCloser()
		}
		return nil
	}

	exitCode := 0
	runErr := app.Run(ctx, os.Args)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr.Error())
		exitCode = controller.ExitCode(runErr)
	}

	stop()
	os.Exit(exitCode)
}
