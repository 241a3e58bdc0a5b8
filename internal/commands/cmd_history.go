package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/colonyops/overseer/internal/core/history"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/urfave/cli/v3"
)

type HistoryCmd struct {
	flags  *Flags
	limit  int
	runID  string
	itemID string
	runs   bool
	format string
}

// NewHistoryCmd creates a new history command.
func NewHistoryCmd(flags *Flags) *HistoryCmd {
	return &HistoryCmd{flags: flags}
}

// Register adds the history command to the application.
func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "history",
		Usage:     "Show recorded iterations",
		UsageText: "overseer history [options] [run-id iteration]",
		Description: `Lists iterations from the ledger, newest first. With a run id and an
iteration number it prints that iteration with every changed path.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"l"},
				Usage:       "maximum entries to show",
				Value:       20,
				Destination: &cmd.limit,
			},
			&cli.StringFlag{
				Name:        "run",
				Usage:       "only show iterations of this run",
				Destination: &cmd.runID,
			},
			&cli.StringFlag{
				Name:        "item",
				Usage:       "only show iterations of this item",
				Destination: &cmd.itemID,
			},
			&cli.BoolFlag{
				Name:        "runs",
				Usage:       "list runs instead of iterations",
				Destination: &cmd.runs,
			},
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

func (cmd *HistoryCmd) run(ctx context.Context, c *cli.Command) error {
	store, closer, err := openHistory(cmd.flags.Config)
	if err != nil {
		return err
	}
	defer closer()

	var (
		format = resolveFormat(cmd.format)
		w      = c.Root().Writer
	)

	switch {
	case c.Args().Len() == 2:
		iteration, err := strconv.Atoi(c.Args().Get(1))
		if err != nil {
			return fmt.Errorf("invalid iteration %q", c.Args().Get(1))
		}
		e, err := store.Get(ctx, c.Args().Get(0), iteration)
		if errors.Is(err, history.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("run %s has no iteration %d", c.Args().Get(0), iteration), 1)
		}
		if err != nil {
			return err
		}
		if format == FormatJSON {
			return iojson.WriteWith(w, os.Stderr, e)
		}
		printEntry(w, e)
		return nil

	case c.Args().Len() != 0:
		return fmt.Errorf("expected a run id and an iteration, got %d arguments", c.Args().Len())

	case cmd.runs:
		runs, err := store.Runs(ctx, cmd.limit)
		if err != nil {
			return err
		}
		if format == FormatJSON {
			return iojson.WriteWith(w, os.Stderr, runs)
		}
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%s %s %s\n",
				r.ID,
				styles.TextMutedStyle.Render(r.StartedAt.Local().Format("2006-01-02 15:04")),
				fmt.Sprintf("%d iterations, %d passed", r.Iterations, r.Passed),
			)
		}
		return nil
	}

	entries, err := store.List(ctx, history.Filter{RunID: cmd.runID, ItemID: cmd.itemID, Limit: cmd.limit})
	if err != nil {
		return err
	}
	if format == FormatJSON {
		return iojson.WriteWith(w, os.Stderr, entries)
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, styles.TextMutedStyle.Render("no iterations recorded"))
		return nil
	}
	for _, e := range entries {
		item := e.ItemID
		if item == "" {
			item = "-"
		}
		_, _ = fmt.Fprintf(w, "%s %s %-4d %s %s %s\n",
			outcomeIcon(e),
			styles.TextMutedStyle.Render(e.FinishedAt.Local().Format("2006-01-02 15:04")),
			e.Iteration,
			item,
			outcomeLabel(e),
			styles.TextMutedStyle.Render(e.Duration().Round(time.Second).String()),
		)
	}
	return nil
}

func outcomeIcon(e history.Entry) string {
	switch {
	case e.Halted():
		return styles.TextErrorStyle.Render(styles.IconFail)
	case e.Flipped:
		return styles.TextSuccessStyle.Render(styles.IconDone)
	default:
		return styles.TextSuccessStyle.Render(styles.IconPass)
	}
}

func outcomeLabel(e history.Entry) string {
	if e.Halted() {
		return styles.TextErrorStyle.Render(e.Outcome + " (" + e.HaltReason + ")")
	}
	return e.Outcome
}

func printEntry(w io.Writer, e history.Entry) {
	row := func(label, value string) {
		if value == "" {
			return
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", styles.LabelStyle.Render(label), value)
	}
	exit := func(code *int) string {
		if code == nil {
			return ""
		}
		return strconv.Itoa(*code)
	}

	_, _ = fmt.Fprintf(w, "%s %s\n", outcomeIcon(e), styles.TextPrimaryBoldStyle.Render(fmt.Sprintf("%s #%d", e.RunID, e.Iteration)))
	row("item", e.ItemID)
	row("group", strconv.Itoa(e.Group))
	row("outcome", outcomeLabel(e))
	row("error", e.Error)
	row("checkpoint pre", shortRef(e.CheckpointPre))
	row("checkpoint post", shortRef(e.CheckpointPost))
	row("verify pre", exit(e.VerifyPreExit))
	row("worker exit", exit(e.WorkerExit))
	row("verify post", exit(e.VerifyPostExit))
	row("flipped", strconv.FormatBool(e.Flipped))
	row("started", e.StartedAt.Local().Format("2006-01-02 15:04:05"))
	row("duration", e.Duration().String())

	if len(e.Paths) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	for _, p := range e.Paths {
		if p.Violation != "" {
			_, _ = fmt.Fprintf(w, "  %s %s %s\n", styles.TextErrorStyle.Render(styles.IconFail), p.Path, styles.TextMutedStyle.Render(p.Violation))
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s %s\n", styles.TextMutedStyle.Render("M"), p.Path)
	}
}
