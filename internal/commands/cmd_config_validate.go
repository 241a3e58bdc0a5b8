package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/urfave/cli/v3"
)

type ConfigValidateCmd struct {
	flags  *Flags
	format string
}

// NewConfigValidateCmd creates a new config validate command.
func NewConfigValidateCmd(flags *Flags) *ConfigValidateCmd {
	return &ConfigValidateCmd{flags: flags}
}

// Register adds the config validate command to the application.
func (cmd *ConfigValidateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:        "validate",
				Usage:       "Validate configuration file",
				UsageText:   "overseer config validate [options]",
				Description: "Validates the configuration file, the workspace, the state directory, and the git executable.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "format",
						Usage:       "output format (text, json)",
						Value:       FormatText,
						Destination: &cmd.format,
					},
				},
				Action: cmd.run,
			},
		},
	})

	return app
}

type configValidateJSON struct {
	Valid    bool                       `json:"valid"`
	Path     string                     `json:"path"`
	Errors   []fieldErrorJSON           `json:"errors,omitempty"`
	Warnings []config.ValidationWarning `json:"warnings,omitempty"`
}

func (cmd *ConfigValidateCmd) run(_ context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	out := configValidateJSON{
		Path:     cmd.flags.ResolveConfigPath(),
		Warnings: cfg.Warnings(),
	}

	if err := cfg.ValidateDeep(out.Path); err != nil {
		out.Errors = fieldErrors(err)
	}
	out.Valid = len(out.Errors) == 0

	if cmd.format == FormatJSON {
		if err := iojson.WriteWith(c.Root().Writer, os.Stderr, out); err != nil {
			return err
		}
	} else {
		cmd.outputText(out)
	}

	if !out.Valid {
		return cli.Exit("", 2)
	}
	return nil
}

func (cmd *ConfigValidateCmd) outputText(out configValidateJSON) {
	w := os.Stderr

	for _, warn := range out.Warnings {
		label := warn.Category
		if warn.Item != "" {
			label += " (" + warn.Item + ")"
		}
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", styles.TextWarningStyle.Render(styles.IconWarn), label, warn.Message)
	}

	for _, e := range out.Errors {
		_, _ = fmt.Fprintf(w, "%s %s: %s\n", styles.TextErrorStyle.Render(styles.IconFail), e.Field, e.Message)
	}

	_, _ = fmt.Fprintln(w)
	if out.Valid {
		_, _ = fmt.Fprintf(w, "%s %s\n", styles.TextSuccessStyle.Render(styles.IconPass), "Configuration is valid")
		return
	}
	_, _ = fmt.Fprintf(w, "%s\n", styles.TextErrorStyle.Render(fmt.Sprintf("%d error(s) found", len(out.Errors))))
}
