package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/controller"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/hay-kot/criterio"
	"github.com/urfave/cli/v3"
)

type ValidateCmd struct {
	flags  *Flags
	reader iojson.FileReader
	format string
}

// NewValidateCmd creates a new validate command.
func NewValidateCmd(flags *Flags) *ValidateCmd {
	return &ValidateCmd{flags: flags}
}

// Register adds the validate command to the application.
func (cmd *ValidateCmd) Register(app *cli.Command) *cli.Command {
	fileFlag := cmd.reader.Flag()
	fileFlag.Usage = "task store to validate (defaults to the configured store, '-' reads stdin)"

	app.Commands = append(app.Commands, &cli.Command{
		Name:      "validate",
		Usage:     "Validate the task store",
		UsageText: "overseer validate [options]",
		Description: `Loads the task store and checks its schema, dependency rules, and every
item's scope and verification commands. Exits 3 when the store is invalid.`,
		Flags: []cli.Flag{
			fileFlag,
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       FormatJSON,
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})
	return app
}

type fieldErrorJSON struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type validateJSON struct {
	Valid       bool             `json:"valid"`
	Source      string           `json:"source"`
	Project     string           `json:"project,omitempty"`
	Items       int              `json:"items"`
	Passed      int              `json:"passed"`
	ActiveGroup *int             `json:"active_group,omitempty"`
	Errors      []fieldErrorJSON `json:"errors,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

func (cmd *ValidateCmd) run(_ context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	switch {
	case !c.IsSet("file"):
		cmd.reader.Set(cfg.TaskStorePath())
	case c.String("file") == "-":
		cmd.reader.Set("")
	}

	out := validateJSON{Source: cmd.reader.Source()}

	data, err := cmd.reader.Read()
	if err != nil {
		out.Errors = []fieldErrorJSON{{Field: "file", Message: err.Error()}}
		return cmd.output(c, out)
	}

	q, err := task.Decode(out.Source, data)
	if err != nil {
		out.Errors = fieldErrors(err)
		return cmd.output(c, out)
	}

	out.Project = q.Project()
	out.Passed, out.Items = q.Counts()
	if g, ok := q.ActiveGroup(); ok {
		out.ActiveGroup = &g
	}

	m := guard.NewGlobMatcher()
	for _, it := range q.Items() {
		if !it.HasVerifyCommand(cfg.Verify.Entrypoint) {
			out.Errors = append(out.Errors, fieldErrorJSON{
				Field:   it.ID + ".verify_commands",
				Message: fmt.Sprintf("no command invokes %s", cfg.Verify.Entrypoint),
			})
		}
		warnings, err := guard.LintScope(m, cfg.Workspace, it, cfg.Guard.GlobCeiling)
		if err != nil {
			out.Errors = append(out.Errors, fieldErrorJSON{Field: it.ID + ".scope", Message: err.Error()})
		}
		for _, w := range warnings {
			out.Warnings = append(out.Warnings, it.ID+": "+w)
		}
	}

	out.Valid = len(out.Errors) == 0
	return cmd.output(c, out)
}

func (cmd *ValidateCmd) output(c *cli.Command, out validateJSON) error {
	if cmd.format == FormatText {
		printValidation(out)
	} else if err := iojson.WriteWith(c.Root().Writer, os.Stderr, out); err != nil {
		return err
	}

	if !out.Valid {
		return cli.Exit("", controller.ReasonValidation.ExitCode())
	}
	return nil
}

func printValidation(out validateJSON) {
	w := os.Stderr

	for _, e := range out.Errors {
		_, _ = fmt.Fprintf(w, "%s %s %s\n", styles.TextErrorStyle.Render(styles.IconFail), e.Field, styles.TextMutedStyle.Render(e.Message))
	}
	for _, warn := range out.Warnings {
		_, _ = fmt.Fprintf(w, "%s %s\n", styles.TextWarningStyle.Render(styles.IconWarn), warn)
	}

	if !out.Valid {
		_, _ = fmt.Fprintf(w, "%s\n", styles.TextErrorStyle.Render(fmt.Sprintf("%s is invalid (%d errors)", out.Source, len(out.Errors))))
		return
	}
	_, _ = fmt.Fprintf(w, "%s %s %s\n",
		styles.TextSuccessStyle.Render(styles.IconPass),
		out.Source,
		styles.TextMutedStyle.Render(fmt.Sprintf("%d/%d items passed", out.Passed, out.Items)),
	)
}

// fieldErrors flattens validation errors for output.
func fieldErrors(err error) []fieldErrorJSON {
	var fe criterio.FieldErrors
	if errors.As(err, &fe) {
		out := make([]fieldErrorJSON, 0, len(fe))
		for _, e := range fe {
			out = append(out, fieldErrorJSON{Field: e.Field, Message: e.Err.Error()})
		}
		return out
	}
	return []fieldErrorJSON{{Message: err.Error()}}
}
