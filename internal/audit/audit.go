// Package audit reviews the Task Store one group at a time with an external
// command. It never mutates the store or the workspace, reuses group results
// whose inputs have not changed, and merges the results into one report.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/pkg/executil"
	"github.com/colonyops/overseer/pkg/fsutil"
	"github.com/rs/zerolog"
)

// ErrNoCommand is returned when no audit command is configured.
var ErrNoCommand = errors.New("audit command is not configured")

// ReportFile is the merged report's file name in the output directory.
const ReportFile = "report.json"

// Options configures an Auditor.
type Options struct {
	Workspace string
	StorePath string
	OutputDir string
	// Inputs are workspace-relative files whose change invalidates every
	// cached group.
	Inputs      []string
	Command     []string
	Concurrency int
	Timeout     time.Duration
	// Groups limits the audit to these groups. Empty means all.
	Groups      []int
	LockTimeout time.Duration
}

// Auditor runs group audits.
type Auditor struct {
	exec    executil.Executor
	runLock lock.Mutex
	cache   *CacheFile
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an Auditor. runLock is the controller's run lock; holding it
// keeps an audit from overlapping a run.
func New(exec executil.Executor, runLock lock.Mutex, opts Options, log zerolog.Logger) *Auditor {
	return &Auditor{
		exec:    exec,
		runLock: runLock,
		cache:   NewCacheFile(filepath.Join(opts.OutputDir, "cache.json"), opts.LockTimeout),
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// commandOutput is what an audit command prints on stdout.
type commandOutput struct {
	Items    []ItemResult `json:"items"`
	Findings []string     `json:"findings"`
}

// Run audits the selected groups and writes the merged report.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	if len(a.opts.Command) == 0 {
		return nil, ErrNoCommand
	}

	release, err := a.runLock.TryAcquire(ctx, a.opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() { _ = release() }()

	data, err := os.ReadFile(a.opts.StorePath)
	if err != nil {
		return nil, fmt.Errorf("read task store: %w", err)
	}
	q, err := task.Decode(a.opts.StorePath, data)
	if err != nil {
		return nil, err
	}
	storeSHA := sha256Hex(data)

	groups, err := a.selectGroups(q)
	if err != nil {
		return nil, err
	}

	globalSHA, global, err := GlobalInputs(a.opts.Workspace, a.opts.Inputs)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	cache := a.cache.Load()
	pool := NewWorkerPool(a.opts.Concurrency)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		results = make([]GroupResult, len(groups))
		outputs = make(map[int]GroupOutput, len(groups))
	)

	for i, g := range groups {
		groupSHA := q.GroupHash(g)

		entry, reason := cache.Lookup(g, globalSHA, groupSHA)
		if reason == "" {
			o, err := ReadGroupOutput(entry.Output)
			if err == nil && CheckOutput(q, g, o) == nil {
				a.log.Debug().Int("group", g).Msg("audit cache hit")
				results[i] = GroupResult{Group: g, Decision: entry.Decision, Cached: true, Output: entry.Output}
				outputs[g] = o
				continue
			}
			reason = MissOutput
		}

		a.log.Info().Int("group", g).Str("reason", reason).Msg("auditing group")

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := pool.RunContext(ctx, func() {
				o, path, err := a.auditGroup(ctx, q, g, groupSHA)
				if err == nil {
					err = a.cache.Update(ctx, g, globalSHA, global, CacheEntry{
						InputsSHA: groupSHA,
						Items:     groupItemIDs(q, g),
						Output:    path,
						Decision:  o.Decision(),
					})
				}

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				results[i] = GroupResult{Group: g, Decision: o.Decision(), Reason: reason, Output: path}
				outputs[g] = o
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	report, err := Merge(q, storeSHA, outputs)
	if err != nil {
		return nil, err
	}
	report.GlobalInputsSHA = globalSHA
	report.Groups = results
	report.GeneratedAt = a.now().UTC()

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(a.opts.OutputDir, ReportFile), append(out, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write audit report: %w", err)
	}

	a.log.Info().
		Int("items", report.Summary.Total).
		Int("fail", report.Summary.Fail).
		Int("blocked", report.Summary.Blocked).
		Msg("audit finished")

	return report, nil
}

func (a *Auditor) selectGroups(q *task.Queue) ([]int, error) {
	all := q.Groups()
	if len(a.opts.Groups) == 0 {
		return all, nil
	}

	var out []int
	for _, g := range a.opts.Groups {
		if !slices.Contains(all, g) {
			return nil, fmt.Errorf("group %d has no items", g)
		}
		if !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out, nil
}

// auditGroup runs the audit command for group g and stores its output.
func (a *Auditor) auditGroup(ctx context.Context, q *task.Queue, g int, groupSHA string) (GroupOutput, string, error) {
	logPath := filepath.Join(a.opts.OutputDir, fmt.Sprintf("group-%d.log", g))
	logf, err := os.Create(logPath)
	if err != nil {
		return GroupOutput{}, "", fmt.Errorf("group %d: %w", g, err)
	}
	defer func() { _ = logf.Close() }()

	runCtx := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	env := []string{
		"OVERSEER_AUDIT_GROUP=" + strconv.Itoa(g),
		"OVERSEER_AUDIT_ITEMS=" + strings.Join(groupItemIDs(q, g), ","),
		"OVERSEER_TASK_STORE=" + a.opts.StorePath,
	}
	args := append(append([]string{}, a.opts.Command[1:]...), strconv.Itoa(g))

	var stdout bytes.Buffer
	err = a.exec.RunDirStream(runCtx, a.opts.Workspace, env, &stdout, logf, a.opts.Command[0], args...)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return GroupOutput{}, "", ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return GroupOutput{}, "", fmt.Errorf("group %d: audit timed out after %s (log: %s)", g, a.opts.Timeout, logPath)
	default:
		return GroupOutput{}, "", fmt.Errorf("group %d: audit command: %w (log: %s)", g, err, logPath)
	}

	var raw commandOutput
	dec := json.NewDecoder(&stdout)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return GroupOutput{}, "", fmt.Errorf("group %d: decode audit output: %w", g, err)
	}

	o := GroupOutput{Group: g, InputsSHA: groupSHA, Items: raw.Items, Findings: raw.Findings}
	for i := range o.Items {
		o.Items[i].Group = g
	}
	if err := CheckOutput(q, g, o); err != nil {
		return GroupOutput{}, "", err
	}

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return GroupOutput{}, "", err
	}
	path := filepath.Join(a.opts.OutputDir, fmt.Sprintf("group-%d.json", g))
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return GroupOutput{}, "", fmt.Errorf("group %d: write output: %w", g, err)
	}
	return o, path, nil
}

func groupItemIDs(q *task.Queue, g int) []string {
	var ids []string
	for _, it := range q.Items() {
		if it.Group == g {
			ids = append(ids, it.ID)
		}
	}
	slices.Sort(ids)
	return ids
}
