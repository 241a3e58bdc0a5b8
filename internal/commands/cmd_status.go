package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/urfave/cli/v3"
)

type StatusCmd struct {
	flags  *Flags
	format string
}

// NewStatusCmd creates a new status command.
func NewStatusCmd(flags *Flags) *StatusCmd {
	return &StatusCmd{flags: flags}
}

// Register adds the status command to the application.
func (cmd *StatusCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "status",
		Usage:       "Show the iteration state and task store progress",
		UsageText:   "overseer status [options]",
		Description: "Prints the persisted iteration state next to the task store's pass counts. Output is text on a terminal and JSON otherwise.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (text, json)",
				Destination: &cmd.format,
			},
		},
		Action: cmd.run,
	})
	return app
}

type storeStatusJSON struct {
	Project     string `json:"project"`
	Passed      int    `json:"passed"`
	Total       int    `json:"total"`
	ActiveGroup *int   `json:"active_group,omitempty"`
	Error       string `json:"error,omitempty"`
}

type statusJSON struct {
	State state.IterationState `json:"state"`
	Store storeStatusJSON      `json:"store"`
}

func (cmd *StatusCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	s, err := newTracker(cfg).Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	out := statusJSON{State: s}
	q, err := task.Load(cfg.TaskStorePath())
	if err != nil {
		out.Store.Error = err.Error()
	} else {
		out.Store.Project = q.Project()
		out.Store.Passed, out.Store.Total = q.Counts()
		if g, ok := q.ActiveGroup(); ok {
			out.Store.ActiveGroup = &g
		}
	}

	if resolveFormat(cmd.format) == FormatJSON {
		return iojson.WriteWith(c.Root().Writer, os.Stderr, out)
	}

	printStatus(c, out)
	return nil
}

func printStatus(c *cli.Command, out statusJSON) {
	w := c.Root().Writer
	row := func(label, value string) {
		_, _ = fmt.Fprintf(w, "%s%s\n", styles.LabelStyle.Render(label), value)
	}
	orNone := func(v string) string {
		if v == "" {
			return styles.TextMutedStyle.Render("none")
		}
		return v
	}

	s := out.State
	_, _ = fmt.Fprintln(w, styles.TextPrimaryBoldStyle.Render("Iteration"))
	row("run", orNone(s.RunID))
	row("iteration", fmt.Sprintf("%d", s.Iteration))

	phase := string(s.Phase)
	switch s.Phase {
	case state.PhaseHalted:
		phase = styles.TextErrorStyle.Render(phase + " (" + s.HaltReason + ")")
	case state.PhaseDone:
		phase = styles.TextSuccessStyle.Render(phase)
	}
	row("phase", phase)
	row("selected", orNone(s.SelectedItemID))
	row("checkpoint", orNone(shortRef(s.LastGoodCheckpoint)))
	row("failure streak", fmt.Sprintf("%d", s.FailureStreak))
	row("no progress", fmt.Sprintf("%d", s.NoProgressStreak))
	if last := s.LastVerify(); last != nil {
		verdict := styles.TextSuccessStyle.Render(styles.IconPass)
		if !last.Passed() {
			verdict = styles.TextErrorStyle.Render(fmt.Sprintf("%s exit %d", styles.IconFail, last.ExitCode))
		}
		row("last verify", verdict)
	}
	if !s.UpdatedAt.IsZero() {
		row("updated", s.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.TextPrimaryBoldStyle.Render("Task Store"))
	if out.Store.Error != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", styles.TextErrorStyle.Render(styles.IconFail), out.Store.Error)
		return
	}
	row("project", out.Store.Project)
	row("passed", fmt.Sprintf("%d/%d", out.Store.Passed, out.Store.Total))
	if out.Store.ActiveGroup != nil {
		row("active group", fmt.Sprintf("%d", *out.Store.ActiveGroup))
	} else {
		row("active group", styles.TextSuccessStyle.Render("all groups complete"))
	}
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
