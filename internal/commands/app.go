package commands

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/styles"
)

// NewApp builds the root command with its global flags and every
// subcommand. Setup hooks are left to the caller.
func NewApp(flags *Flags, version string) *cli.Command {
	app := &cli.Command{
		Name:      "overseer",
		Usage:     "Drive a coding agent through a task list, one verified item at a time",
		UsageText: "overseer [global options] command [command options]",
		Description: `Overseer runs an autonomous worker against a JSON task store. Each iteration
selects one item, verifies the workspace, dispatches the worker, verifies
again, and checks the change against the item's scope before committing a
checkpoint. Anything suspicious halts the run with an exit code naming the
reason and an artifact bundle describing it.

Run 'overseer doctor' to check a workspace before the first run.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("OVERSEER_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to <state-dir>/overseer.log)",
				Sources:     cli.EnvVars("OVERSEER_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (defaults to <workspace>/" + config.DefaultConfigPath + ")",
				Sources:     cli.EnvVars("OVERSEER_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "workspace",
				Aliases:     []string{"w"},
				Usage:       "repository the worker operates on",
				Sources:     cli.EnvVars("OVERSEER_WORKSPACE"),
				Value:       DefaultWorkspace(),
				Destination: &flags.Workspace,
			},
			&cli.StringFlag{
				Name:        "theme",
				Usage:       "color theme (" + strings.Join(styles.ThemeNames(), ", ") + ")",
				Sources:     cli.EnvVars("OVERSEER_THEME"),
				Value:       styles.DefaultTheme,
				Destination: &flags.Theme,
			},
		},
	}

	app = NewRunCmd(flags).Register(app)
	app = NewValidateCmd(flags).Register(app)
	app = NewStatusCmd(flags).Register(app)
	app = NewDoctorCmd(flags).Register(app)
	app = NewAuditCmd(flags).Register(app)
	app = NewHistoryCmd(flags).Register(app)
	app = NewConfigValidateCmd(flags).Register(app)

	return app
}
