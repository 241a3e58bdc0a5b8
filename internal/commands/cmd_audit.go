package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/colonyops/overseer/internal/audit"
	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/logging"
	"github.com/colonyops/overseer/internal/core/styles"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/colonyops/overseer/pkg/iojson"
	"github.com/urfave/cli/v3"
)

type AuditCmd struct {
	flags       *Flags
	concurrency int
	groups      string
	format      string
}

// NewAuditCmd creates a new audit command.
func NewAuditCmd(flags *Flags) *AuditCmd {
	return &AuditCmd{flags: flags}
}

// Register adds the audit command to the application.
func (cmd *AuditCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "audit",
		Usage:     "Audit task store items against the workspace without changing it",
		UsageText: "overseer audit [options]",
		Description: `Runs the configured audit command once per group and merges the verdicts
into report.json under the audit directory. Groups whose items and global
inputs are unchanged reuse their cached verdict. Exits 1 when any item fails
or is blocked.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "groups audited in parallel (defaults to audit.concurrency)",
				Sources:     cli.EnvVars("OVERSEER_AUDIT_CONCURRENCY"),
				Destination: &cmd.concurrency,
			},
			&cli.StringFlag{
				Name:        "groups",
				Usage:       "comma separated groups to audit (default all)",
				Destination: &cmd.groups,
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

func (cmd *AuditCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

	groups, err := parseGroups(cmd.groups)
	if err != nil {
		return err
	}

	concurrency := cfg.Audit.Concurrency
	if c.IsSet("concurrency") {
		concurrency = cmd.concurrency
	}

	auditor := audit.New(&executil.RealExecutor{}, newRunLock(cfg), audit.Options{
		Workspace:   cfg.Workspace,
		StorePath:   cfg.TaskStorePath(),
		OutputDir:   cfg.AuditDir(),
		Inputs:      cfg.Audit.Inputs,
		Command:     cfg.Audit.Command,
		Concurrency: concurrency,
		Timeout:     cfg.Audit.Timeout,
		Groups:      groups,
		LockTimeout: cfg.LockTimeout,
	}, logging.Component("audit"))

	report, err := auditor.Run(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("a run is in progress: %w", err)
		}
		return err
	}

	if resolveFormat(cmd.format) == FormatJSON {
		if err := iojson.WriteWith(c.Root().Writer, os.Stderr, report); err != nil {
			return err
		}
	} else {
		printAudit(report)
	}

	if !report.Passed() {
		return cli.Exit("", 1)
	}
	return nil
}

func printAudit(r *audit.Report) {
	w := os.Stderr

	for _, g := range r.Groups {
		source := styles.TextMutedStyle.Render("audited (" + g.Reason + ")")
		if g.Cached {
			source = styles.TextMutedStyle.Render("cached")
		}
		_, _ = fmt.Fprintf(w, "%s %s %s\n", styles.LabelStyle.Render(fmt.Sprintf("group %d", g.Group)), decisionStyle(g.Decision), source)
	}

	for _, it := range r.Items {
		if it.Status == audit.DecisionPass {
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s %s %s\n", decisionStyle(it.Status), it.ID, styles.TextMutedStyle.Render(strings.Join(it.Findings, "; ")))
	}
	for _, f := range r.Findings {
		_, _ = fmt.Fprintf(w, "  %s %s\n", styles.TextWarningStyle.Render(styles.IconWarn), f)
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%s  %s  %s\n",
		styles.TextSuccessStyle.Render(fmt.Sprintf("%d pass", r.Summary.Pass)),
		styles.TextErrorStyle.Render(fmt.Sprintf("%d fail", r.Summary.Fail)),
		styles.TextWarningStyle.Render(fmt.Sprintf("%d blocked", r.Summary.Blocked)),
	)
}

func decisionStyle(d audit.Decision) string {
	switch d {
	case audit.DecisionPass:
		return styles.TextSuccessStyle.Render(string(d))
	case audit.DecisionFail:
		return styles.TextErrorStyle.Render(string(d))
	default:
		return styles.TextWarningStyle.Render(string(d))
	}
}

// parseGroups parses a comma separated list of group numbers.
func parseGroups(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var groups []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		g, err := strconv.Atoi(part)
		if err != nil || g < 0 {
			return nil, fmt.Errorf("invalid group %q", part)
		}
		groups = append(groups, g)
	}
	return groups, nil
}
