package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/doctor"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/urfave/cli/v3"
)

type DoctorCmd struct {
	flags   *Flags
	format  string
	autofix bool
}

func NewDoctorCmd(flags *Flags) *DoctorCmd {
	return &DoctorCmd{flags: flags}
}

func (cmd *DoctorCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "doctor",
		Usage:       "Run preflight checks on the workspace",
		UsageText:   "overseer doctor [options]",
		Description: "Checks the workspace repository, the task store, the verification entrypoint, the iteration state, and external tools.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Value:       FormatText,
				Destination: &cmd.format,
			},
			&cli.BoolFlag{
				Name:        "autofix",
				Usage:       "automatically fix issues (e.g., mark the verification entrypoint executable)",
				Destination: &cmd.autofix,
			},
		},
		Action: cmd.run,
	})
	return app
}

// checks builds the doctor checks for cfg in display order.
func checks(cfg *config.Config, exec executil.Executor) []doctor.Check {
	tools := []doctor.Tool{
		{Label: "git", Command: []string{cfg.GitPath}, Required: true, Purpose: "checkpoints"},
		{Label: "worker", Command: cfg.Worker.Command, Required: !cfg.DryRun, Purpose: "dispatch"},
	}
	if cfg.Selector.Mode == config.SelectDelegated {
		tools = append(tools, doctor.Tool{Label: "selector", Command: cfg.Selector.Command, Required: true, Purpose: "item selection"})
	}
	tools = append(tools, doctor.Tool{Label: "audit", Command: cfg.Audit.Command, Purpose: "audit mode"})

	return []doctor.Check{
		doctor.NewWorkspaceCheck(newGit(cfg, exec), cfg.Workspace, cfg.ControllerDirs()),
		doctor.NewStoreCheck(cfg.TaskStorePath(), cfg.Workspace, cfg.Verify.Entrypoint, guard.NewGlobMatcher(), cfg.Guard.GlobCeiling),
		doctor.NewVerifyCheck(cfg.Path(cfg.Verify.Entrypoint)),
		doctor.NewStateCheck(cfg.StateFile(), newRunLock(cfg)),
		doctor.NewToolsCheck(tools...),
	}
}

func (cmd *DoctorCmd) run(ctx context.Context, c *cli.Command) error {
	all := checks(cmd.flags.Config, &executil.RealExecutor{})
	results := doctor.RunAll(ctx, all)

	var fixed []string
	if cmd.autofix && doctor.CountFixable(results) > 0 {
		var err error
		fixed, err = doctor.FixAll(all, results)
		if err != nil {
			return err
		}
		results = doctor.RunAll(ctx, all)
	}

	if cmd.format == FormatJSON {
		if err := cmd.outputJSON(c, results, fixed); err != nil {
			return err
		}
	} else {
		cmd.outputText(results, fixed)
	}

	if doctor.HasFailures(results) {
		return cli.Exit("", 2)
	}
	return nil
}

type summaryJSON struct {
	Passed int `json:"passed"`
	Warned int `json:"warned"`
	Failed int `json:"failed"`
}

func (cmd *DoctorCmd) outputJSON(c *cli.Command, results []doctor.Result, fixed []string) error {
	passed, warned, failed := doctor.Summary(results)

	out := struct {
		Healthy bool            `json:"healthy"`
		Summary summaryJSON     `json:"summary"`
		Fixed   []string        `json:"fixed,omitempty"`
		Checks  []doctor.Result `json:"checks"`
	}{
		Healthy: failed == 0,
		Summary: summaryJSON{Passed: passed, Warned: warned, Failed: failed},
		Fixed:   fixed,
		Checks:  results,
	}

	return iojson.WriteWith(c.Root().Writer, os.Stderr, out)
}

func (cmd *DoctorCmd) outputText(results []doctor.Result, fixed []string) {
	w := os.Stderr

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.TextPrimaryBoldStyle.Render("Overseer Doctor"))
	_, _ = fmt.Fprintln(w, styles.Divider(40))
	_, _ = fmt.Fprintln(w)

	for _, result := range results {
		_, _ = fmt.Fprintln(w, styles.TextForegroundBoldStyle.Render(result.Name))

		for _, item := range result.Items {
			var detail string
			if item.Detail != "" {
				detail = " " + styles.TextMutedStyle.Render(item.Detail)
			}

			var icon string
			switch item.Status {
			case doctor.StatusPass:
				icon = styles.TextSuccessStyle.Render(styles.IconPass)
			case doctor.StatusWarn:
				icon = styles.TextWarningStyle.Render(styles.IconWarn)
			case doctor.StatusFail:
				icon = styles.TextErrorStyle.Render(styles.IconFail)
			}

			_, _ = fmt.Fprintf(w, "  %s %s%s\n", icon, item.Label, detail)
		}

		_, _ = fmt.Fprintln(w)
	}

	for _, name := range fixed {
		_, _ = fmt.Fprintf(w, "%s fixed %s\n", styles.TextSuccessStyle.Render(styles.IconDone), name)
	}

	passed, warned, failed := doctor.Summary(results)
	_, _ = fmt.Fprintf(w, "%s  %s  %s\n",
		styles.TextSuccessStyle.Render(fmt.Sprintf("%d passed", passed)),
		styles.TextWarningStyle.Render(fmt.Sprintf("%d warnings", warned)),
		styles.TextErrorStyle.Render(fmt.Sprintf("%d failed", failed)),
	)

	if !cmd.autofix {
		if fixable := doctor.CountFixable(results); fixable > 0 {
			_, _ = fmt.Fprintln(w)
			_, _ = fmt.Fprintln(w, styles.TextMutedStyle.Render(fmt.Sprintf("Run 'overseer doctor --autofix' to fix %d issue(s)", fixable)))
		}
	}
}
