// Package controller drives the iteration loop: select an item, verify the
// baseline, dispatch the worker, verify again, check the change, and commit
// or roll back.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colonyops/overseer/internal/core/artifact"
	"github.com/colonyops/overseer/internal/core/breaker"
	"github.com/colonyops/overseer/internal/core/checkpoint"
	"github.com/colonyops/overseer/internal/core/config"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/logging"
	"github.com/colonyops/overseer/internal/core/ratelimit"
	"github.com/colonyops/overseer/internal/core/sentinel"
	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/internal/core/verify"
	"github.com/rs/zerolog"
)

// transcriptTail is how much of the worker's stdout is kept for sentinel
// parsing.
const transcriptTail = 64 * 1024

var workerTimeoutSignature = verify.FailureSignature([]string{"worker timeout"})

// Verifier runs the verification entrypoint and judges its results.
type Verifier interface {
	Run(ctx context.Context, mode, checkpoint string, logw io.Writer) (verify.Result, error)
	Trust(res *verify.Result, mode, checkpoint string) error
}

// Limiter throttles worker calls.
type Limiter interface {
	Acquire(ctx context.Context, w *ratelimit.Window, persist func(ratelimit.Window) error) (ratelimit.Decision, error)
}

// Recorder keeps a history of iteration decisions.
type Recorder interface {
	Record(ctx context.Context, d Decision) error
}

// Options configures a Controller.
type Options struct {
	RunID     string
	Workspace string
	// StorePath and Entrypoint are workspace-relative.
	StorePath     string
	Entrypoint    string
	VerifyMode    string
	Instruction   string
	SelfHeal      bool
	DryRun        bool
	Strict        bool
	MaxIterations int
	CheatMode     guard.Mode
	GlobCeiling   int
	OwnedPaths    []string
	Breaker       breaker.Config
	LockTimeout   time.Duration
}

// Deps are the collaborators a Controller drives. Progress and Recorder are
// optional.
type Deps struct {
	Store       *task.FileStore
	Tracker     *state.Tracker
	RunLock     lock.Mutex
	Checkpoints checkpoint.Manager
	Verifier    Verifier
	Worker      Worker
	Selector    Selector
	Limiter     Limiter
	Matcher     guard.Matcher
	Detector    *guard.Detector
	Artifacts   *artifact.Store
	Progress    *artifact.ProgressLog
	Recorder    Recorder
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Iterations int
	Passed     int
	Done       bool
}

// Controller runs the loop for one workspace.
type Controller struct {
	opts Options
	deps Deps
	base zerolog.Logger
	log  zerolog.Logger
	now  func() time.Time

	st state.IterationState
}

// New creates a Controller.
func New(opts Options, deps Deps, log zerolog.Logger) *Controller {
	return &Controller{
		opts: opts,
		deps: deps,
		base: log,
		log:  log,
		now:  time.Now,
	}
}

// Run executes iterations until the queue is done, a halt condition fires,
// MaxIterations is reached, or ctx is cancelled. A halt is returned as a
// *HaltError; cancellation returns ctx.Err().
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	ctx = c.scope(logging.WithRunID(ctx, c.opts.RunID))
	sum := Summary{RunID: c.opts.RunID}

	release, err := c.deps.RunLock.TryAcquire(ctx, c.opts.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return sum, c.halt(ctx, nil, Haltf(ReasonLocked, "", "another controller holds the run lock: %w", err))
		}
		return sum, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			c.log.Warn().Err(err).Msg("failed to release run lock")
		}
	}()

	if err := c.preflight(); err != nil {
		return sum, c.halt(ctx, nil, err)
	}

	st, err := c.deps.Tracker.Load(ctx)
	if err != nil {
		var halt *HaltError
		if errors.As(c.stateErr(err), &halt) {
			return sum, c.halt(ctx, nil, halt)
		}
		return sum, err
	}
	c.st = st

	if st.Phase != state.PhaseSelecting && st.Phase != state.PhaseDone && st.Phase != state.PhaseHalted {
		c.log.Warn().
			Str("phase", string(st.Phase)).
			Int("iteration", st.Iteration).
			Msg("previous run stopped mid-iteration, starting a fresh iteration")
	}

	err = c.save(ctx, func(s *state.IterationState) {
		s.RunID = c.opts.RunID
		s.Phase = state.PhaseSelecting
		s.SelectedItemID = ""
		s.HaltReason = ""
	})
	if err != nil {
		return sum, c.fail(ctx, nil, err)
	}

	c.log.Info().
		Int("resume_iteration", c.st.Iteration).
		Bool("dry_run", c.opts.DryRun).
		Bool("self_heal", c.opts.SelfHeal).
		Msg("run started")

	for c.opts.MaxIterations <= 0 || sum.Iterations < c.opts.MaxIterations {
		dec, err := c.iterate(ctx)
		sum.Iterations++
		if dec.Flipped {
			sum.Passed++
		}
		if err != nil {
			return sum, err
		}

		switch dec.Outcome {
		case OutcomeDone:
			sum.Done = true
			c.log.Info().Int("iterations", sum.Iterations).Msg("all items passed")
			return sum, nil
		case OutcomeDryRun:
			return sum, nil
		}
	}

	c.log.Info().Int("max_iterations", c.opts.MaxIterations).Msg("iteration limit reached")
	return sum, nil
}

// scope points the controller's logger at ctx so that its run, iteration,
// and item values are attached to every event.
func (c *Controller) scope(ctx context.Context) context.Context {
	c.log = logging.Scoped(c.base, ctx)
	return ctx
}

func (c *Controller) preflight() error {
	if c.opts.Entrypoint == "" {
		return Haltf(ReasonSetup, "", "verification entrypoint is not configured")
	}
	entry := filepath.Join(c.opts.Workspace, c.opts.Entrypoint)
	info, err := os.Stat(entry)
	if err != nil {
		return Halt(ReasonSetup, "", fmt.Errorf("verification entrypoint: %w", err))
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return Haltf(ReasonSetup, "", "verification entrypoint %s is not an executable file", c.opts.Entrypoint)
	}
	if c.deps.Worker == nil && !c.opts.DryRun {
		return Haltf(ReasonSetup, "", "no worker configured")
	}
	return nil
}

// iteration carries the working values of one pass through the loop.
type iteration struct {
	n      int
	bundle *artifact.Bundle
	dec    Decision

	before    *task.Queue
	item      task.Item
	cpPre     string
	cpPost    string
	diff      string
	postTrust error
}

func (c *Controller) iterate(ctx context.Context) (Decision, error) {
	n := c.st.Iteration + 1
	ctx = c.scope(logging.WithIteration(ctx, n))

	it := &iteration{
		n: n,
		dec: Decision{
			RunID:     c.opts.RunID,
			Iteration: n,
			StartedAt: c.now(),
		},
	}

	bundle, err := c.deps.Artifacts.Iteration(n)
	if err != nil {
		return it.dec, c.fail(ctx, nil, fmt.Errorf("create iteration bundle: %w", err))
	}
	it.bundle = bundle

	err = c.runIteration(ctx, it)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		it.dec.Outcome = OutcomeInterrupted
		it.dec.Error = err.Error()
		err = ctx.Err()
	default:
		err = c.fail(ctx, it, err)
	}

	it.dec.FinishedAt = c.now()
	c.record(ctx, it)
	return it.dec, err
}

func (c *Controller) runIteration(ctx context.Context, it *iteration) error {
	err := c.save(ctx, func(s *state.IterationState) {
		s.Iteration = it.n
		s.Phase = state.PhaseSelecting
		s.SelectedItemID = ""
	})
	if err != nil {
		return err
	}

	q, err := c.deps.Store.Load()
	if err != nil {
		return Halt(ReasonValidation, "", err)
	}
	it.before = q
	it.dec.StoreHashPre = q.ContentHash()
	c.writeStore(it, artifact.StorePre, q)

	group, ok := q.ActiveGroup()
	if !ok {
		return c.complete(ctx, it, false)
	}
	it.dec.Group = group

	if err := c.selectItem(ctx, it, q, group); err != nil {
		return err
	}
	ctx = c.scope(logging.WithItemID(ctx, it.item.ID))
	c.log.Info().Int("group", group).Msg("item selected")

	steps := []struct {
		phase state.Phase
		run   func(context.Context, *iteration) error
	}{
		{state.PhaseBaselineVerify, c.baseline},
		{state.PhaseDispatching, c.dispatch},
		{state.PhasePostVerify, c.postVerify},
		{state.PhaseScopeCheck, c.checkChange},
		{state.PhaseCommitting, c.commit},
	}

	for _, step := range steps {
		err := c.save(ctx, func(s *state.IterationState) {
			s.Phase = step.phase
			s.SelectedItemID = it.item.ID
		})
		if err != nil {
			return err
		}
		if err := step.run(ctx, it); err != nil {
			return err
		}
		if it.dec.Outcome != "" {
			return nil
		}
	}
	return nil
}

func (c *Controller) selectItem(ctx context.Context, it *iteration, q *task.Queue, group int) error {
	if q.HumanBlocked(group) {
		return Haltf(ReasonInvalidSelection, "", "every pending item in group %d needs a human decision", group)
	}

	item, err := c.deps.Selector.Select(ctx, q, group)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Halt(ReasonInvalidSelection, "", err)
	}
	it.item = item
	it.dec.ItemID = item.ID

	if !item.HasVerifyCommand(c.opts.Entrypoint) {
		return Haltf(ReasonInvalidSelection, item.ID, "no verify command invokes %s", c.opts.Entrypoint)
	}

	warnings, err := guard.LintScope(c.deps.Matcher, c.opts.Workspace, item, c.opts.GlobCeiling)
	if err != nil {
		return Halt(ReasonInvalidSelection, item.ID, err)
	}
	for _, w := range warnings {
		c.log.Warn().Str("item_id", item.ID).Msg(w)
	}
	it.dec.Warnings = append(it.dec.Warnings, warnings...)
	if c.opts.Strict && len(warnings) > 0 {
		return Haltf(ReasonInvalidSelection, item.ID, "strict mode: %s", strings.Join(warnings, "; "))
	}
	return nil
}

func (c *Controller) baseline(ctx context.Context, it *iteration) error {
	id := it.item.ID

	dirty, err := c.deps.Checkpoints.Dirty(ctx)
	if err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if len(dirty) > 0 {
		if !c.opts.SelfHeal || c.st.LastGoodCheckpoint == "" {
			return Haltf(ReasonDirtyWorkspace, id, "uncommitted changes before dispatch: %s", preview(dirty))
		}
		c.log.Warn().Strs("paths", dirty).Msg("workspace dirty, restoring last good checkpoint")
		if err := c.restore(ctx, it, ReasonDirtyWorkspace); err != nil {
			return err
		}
	}

	cp, err := c.deps.Checkpoints.Current(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}

	res, trustErr, err := c.verifyAt(ctx, it, cp, artifact.VerifyPreLog)
	if err != nil {
		return err
	}
	it.dec.VerifyPre = &res
	if err := c.save(ctx, func(s *state.IterationState) { s.LastVerifyPre = &res }); err != nil {
		return err
	}

	if trustErr != nil {
		if verify.IsSignatureError(trustErr) {
			return Halt(ReasonSignature, id, trustErr)
		}
		if !c.opts.SelfHeal {
			return Halt(ReasonBaseline, id, trustErr)
		}

		c.log.Warn().Err(trustErr).Msg("baseline verification failed, restoring last good checkpoint")
		if err := c.restore(ctx, it, ReasonBaseline); err != nil {
			return err
		}
		if cp, err = c.deps.Checkpoints.Current(ctx); err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}

		res, trustErr, err = c.verifyAt(ctx, it, cp, artifact.VerifyHealLog)
		if err != nil {
			return err
		}
		it.dec.VerifyPre = &res
		if err := c.save(ctx, func(s *state.IterationState) { s.LastVerifyPre = &res }); err != nil {
			return err
		}
		if trustErr != nil {
			if verify.IsSignatureError(trustErr) {
				return Halt(ReasonSignature, id, trustErr)
			}
			return Halt(ReasonBaseline, id, fmt.Errorf("after self-heal: %w", trustErr))
		}
	}

	it.cpPre = cp
	it.dec.CheckpointPre = cp
	c.writeBundle(it, artifact.CheckpointPre, cp+"\n")

	return c.save(ctx, func(s *state.IterationState) { s.LastGoodCheckpoint = cp })
}

func (c *Controller) dispatch(ctx context.Context, it *iteration) error {
	id := it.item.ID

	instruction, err := RenderInstruction(c.opts.Instruction, config.InstructionData{
		RunID:            c.opts.RunID,
		Iteration:        it.n,
		Item:             it.item,
		StorePath:        c.opts.StorePath,
		VerifyEntrypoint: c.opts.Entrypoint,
	})
	if err != nil {
		return Halt(ReasonSetup, id, err)
	}

	window := ratelimit.Window{Start: c.st.RateLimitWindowStart, Count: c.st.RateLimitCount}
	rl, err := c.deps.Limiter.Acquire(ctx, &window, func(w ratelimit.Window) error {
		return c.save(ctx, func(s *state.IterationState) {
			s.RateLimitWindowStart = w.Start
			s.RateLimitCount = w.Count
		})
	})
	if err != nil {
		return err
	}
	it.dec.RateLimit = &rl

	f, err := it.bundle.Create(artifact.Transcript)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if c.opts.DryRun {
		if _, err := fmt.Fprintf(f, "dry run: worker not invoked\n\n%s\n", instruction); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		c.log.Info().Str("item_id", id).Msg("dry run, stopping before dispatch")
		it.dec.Outcome = OutcomeDryRun
		return c.save(ctx, func(s *state.IterationState) {
			s.Phase = state.PhaseSelecting
			s.SelectedItemID = ""
		})
	}

	tail := newTailBuffer(transcriptTail)
	res, err := c.deps.Worker.Dispatch(ctx, instruction, io.MultiWriter(f, tail), f)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Halt(ReasonSetup, id, err)
	}
	it.dec.Dispatch = &res

	if res.TimedOut {
		c.log.Warn().Dur("duration", res.Duration).Msg("worker timed out, ignoring sentinels")
		return nil
	}

	sig := sentinel.Parse(tail.String())
	if sig.Stray > 0 {
		c.log.Warn().Int("count", sig.Stray).Msg("ignoring sentinel lines outside the trailing block")
	}
	it.dec.MarkPass = sig.MarkPass
	it.dec.Complete = sig.Complete

	if sig.MarkPass != "" && sig.MarkPass != id {
		return Haltf(ReasonSentinelMismatch, id, "worker marked %q but was dispatched for %q", sig.MarkPass, id)
	}
	return nil
}

func (c *Controller) postVerify(ctx context.Context, it *iteration) error {
	if err := c.checkClean(ctx, it, "after dispatch"); err != nil {
		return err
	}

	cp, err := c.deps.Checkpoints.Current(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	it.cpPost = cp
	it.dec.CheckpointPost = cp
	c.writeBundle(it, artifact.CheckpointPost, cp+"\n")

	res, trustErr, err := c.verifyAt(ctx, it, cp, artifact.VerifyPostLog)
	if err != nil {
		return err
	}
	it.dec.VerifyPost = &res
	it.postTrust = trustErr
	if err := c.save(ctx, func(s *state.IterationState) { s.LastVerifyPost = &res }); err != nil {
		return err
	}

	return c.checkClean(ctx, it, "after post-dispatch verification")
}

func (c *Controller) checkChange(ctx context.Context, it *iteration) error {
	id := it.item.ID

	changed, err := c.deps.Checkpoints.ChangedPaths(ctx, it.cpPre, it.cpPost)
	if err != nil {
		return fmt.Errorf("list changed paths: %w", err)
	}
	it.dec.ChangedPaths = changed

	diff, err := c.deps.Checkpoints.Diff(ctx, it.cpPre, it.cpPost)
	if err != nil {
		return fmt.Errorf("diff checkpoints: %w", err)
	}
	it.diff = diff
	c.writeBundle(it, artifact.DiffPatch, diff)

	after, err := c.deps.Store.Load()
	if err != nil {
		return Halt(ReasonValidation, id, fmt.Errorf("task store after dispatch: %w", err))
	}
	if after.ContentHash() != it.before.ContentHash() {
		if n := task.CountStateDiffs(it.before, after); n > 0 {
			return Haltf(ReasonInvalidStateFlip, id, "worker changed the passed flag of %d item(s)", n)
		}
		return Haltf(ReasonScope, id, "worker modified the task store")
	}

	violations, err := guard.CheckScope(c.deps.Matcher, changed, it.item.Scope, c.opts.OwnedPaths)
	if err != nil {
		return Halt(ReasonScope, id, err)
	}
	if len(violations) > 0 {
		it.dec.Violations = violations
		return Haltf(ReasonScope, id, "%d path(s) outside scope: %s", len(violations), joinStrings(violations))
	}

	if c.opts.CheatMode == guard.ModeOff || c.deps.Detector == nil {
		return nil
	}

	signals, err := c.deps.Detector.Detect(diff)
	if err != nil {
		return fmt.Errorf("scan diff: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}
	it.dec.Signals = signals

	if c.opts.CheatMode == guard.ModeBlock {
		return Haltf(ReasonCheat, id, "%s", joinStrings(signals))
	}
	for _, s := range signals {
		c.log.Warn().Str("kind", string(s.Kind)).Str("path", s.Path).Str("detail", s.Detail).Msg("cheat signal")
		it.dec.Warnings = append(it.dec.Warnings, s.String())
	}
	if c.opts.Strict {
		return Haltf(ReasonCheat, id, "strict mode: %s", joinStrings(signals))
	}
	return nil
}

func (c *Controller) commit(ctx context.Context, it *iteration) error {
	id := it.item.ID
	postOK := it.postTrust == nil

	if !postOK && verify.IsSignatureError(it.postTrust) {
		return Halt(ReasonSignature, id, it.postTrust)
	}

	storeHash := it.dec.StoreHashPre
	good := it.cpPost

	timedOut := it.dec.Dispatch != nil && it.dec.Dispatch.TimedOut
	if postOK && !timedOut && it.dec.MarkPass == id {
		after, err := c.deps.Store.ApplyStateFlip(it.before, id, true)
		if err != nil {
			return Halt(ReasonInvalidStateFlip, id, err)
		}
		cp, err := c.deps.Checkpoints.Snapshot(ctx, fmt.Sprintf("overseer: mark %s passed", id))
		if err != nil {
			return fmt.Errorf("commit state flip: %w", err)
		}
		it.dec.Flipped = true
		storeHash = after.ContentHash()
		good = cp
		c.writeStore(it, artifact.StorePost, after)
		c.log.Info().Str("item_id", id).Str("checkpoint", shortRef(cp)).Msg("item passed")
	}
	it.dec.StoreHashPost = storeHash

	b := breaker.New(c.opts.Breaker, breaker.Counters{
		FailureSignature: c.st.FailureSignature,
		FailureStreak:    c.st.FailureStreak,
		NoProgressStreak: c.st.NoProgressStreak,
		LastCheckpoint:   c.st.LastProgressCheckpoint,
		LastStoreHash:    c.st.LastProgressStoreHash,
	})

	var trip *HaltError
	switch {
	case postOK && timedOut:
		if err := b.RecordFailure(workerTimeoutSignature); err != nil {
			trip = Halt(ReasonCircuitBreaker, id, err)
		}
	case postOK:
		b.RecordSuccess()
	default:
		sig := ""
		if it.dec.VerifyPost != nil {
			sig = it.dec.VerifyPost.FailureSignature
		}
		if sig == "" {
			sig = verify.FailureSignature([]string{it.postTrust.Error()})
		}
		if err := b.RecordFailure(sig); err != nil {
			trip = Halt(ReasonCircuitBreaker, id, err)
		}
	}
	before := breaker.Snapshot{Checkpoint: it.cpPre, StoreHash: it.dec.StoreHashPre}
	after := breaker.Snapshot{Checkpoint: it.cpPost, StoreHash: storeHash}
	if err := b.RecordProgress(before, after); err != nil && trip == nil {
		trip = Halt(ReasonNoProgress, id, err)
	}

	counters := b.Counters()
	err := c.save(ctx, func(s *state.IterationState) {
		s.FailureSignature = counters.FailureSignature
		s.FailureStreak = counters.FailureStreak
		s.NoProgressStreak = counters.NoProgressStreak
		s.LastProgressCheckpoint = counters.LastCheckpoint
		s.LastProgressStoreHash = counters.LastStoreHash
	})
	if err != nil {
		return err
	}
	if trip != nil {
		return trip
	}

	if !postOK {
		if !c.opts.SelfHeal {
			return Halt(ReasonPostVerify, id, it.postTrust)
		}
		c.log.Warn().Err(it.postTrust).Msg("post-dispatch verification failed, rolling back")
		if err := c.restore(ctx, it, ReasonPostVerify); err != nil {
			return err
		}
		if it.dec.Complete {
			return Haltf(ReasonIncompleteCompletion, id, "completion claimed but verification failed: %w", it.postTrust)
		}
		it.dec.Outcome = OutcomeRolledBack
		return c.save(ctx, func(s *state.IterationState) {
			s.Phase = state.PhaseSelecting
			s.SelectedItemID = ""
		})
	}

	err = c.save(ctx, func(s *state.IterationState) {
		if !timedOut {
			s.LastGoodCheckpoint = good
		}
		s.Phase = state.PhaseSelecting
		s.SelectedItemID = ""
	})
	if err != nil {
		return err
	}

	it.dec.Outcome = OutcomeKept
	if timedOut {
		it.dec.Outcome = OutcomeTimedOut
	}
	if it.dec.Flipped {
		it.dec.Outcome = OutcomePassed
	}
	if it.dec.Complete {
		return c.complete(ctx, it, true)
	}
	return nil
}

// complete finishes the run when every item has passed. claimed is true
// when the worker printed the completion sentinel in this iteration, whose
// verification has already been trusted.
func (c *Controller) complete(ctx context.Context, it *iteration, claimed bool) error {
	q, err := c.deps.Store.Load()
	if err != nil {
		return Halt(ReasonValidation, it.dec.ItemID, err)
	}
	if !q.AllPassed() {
		passed, total := q.Counts()
		return Haltf(ReasonIncompleteCompletion, it.dec.ItemID, "completion claimed with %d of %d items passed", passed, total)
	}

	if !claimed {
		cp, err := c.deps.Checkpoints.Current(ctx)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}

		trustErr := c.deps.Verifier.Trust(c.st.LastVerify(), c.opts.VerifyMode, cp)
		if trustErr != nil {
			c.log.Info().Err(trustErr).Msg("no trusted verification at the final checkpoint, verifying")

			var res verify.Result
			res, trustErr, err = c.verifyAt(ctx, it, cp, artifact.VerifyPreLog)
			if err != nil {
				return err
			}
			it.dec.VerifyPre = &res
			if err := c.save(ctx, func(s *state.IterationState) { s.LastVerifyPre = &res }); err != nil {
				return err
			}
		}
		if trustErr != nil {
			return Halt(ReasonIncompleteCompletion, "", fmt.Errorf("every item passed but verification does not agree: %w", trustErr))
		}
	}

	it.dec.Outcome = OutcomeDone
	return c.save(ctx, func(s *state.IterationState) {
		s.Phase = state.PhaseDone
		s.SelectedItemID = ""
	})
}

// verifyAt runs verification at cp into the named bundle log. The returned
// trust error is nil only for a result that can be relied on.
func (c *Controller) verifyAt(ctx context.Context, it *iteration, cp, logName string) (verify.Result, error, error) {
	f, err := it.bundle.Create(logName)
	if err != nil {
		return verify.Result{}, nil, err
	}
	defer func() { _ = f.Close() }()

	res, err := c.deps.Verifier.Run(ctx, c.opts.VerifyMode, cp, f)
	if err != nil {
		if ctx.Err() != nil {
			return res, nil, ctx.Err()
		}
		return res, nil, Halt(ReasonSetup, it.item.ID, err)
	}
	res.LogPath = it.bundle.Path(logName)

	return res, c.deps.Verifier.Trust(&res, c.opts.VerifyMode, cp), nil
}

// restore rolls the workspace back to the last good checkpoint. none is the
// halt reason used when there is nothing to restore.
func (c *Controller) restore(ctx context.Context, it *iteration, none Reason) error {
	err := checkpoint.RestoreLastGood(ctx, c.deps.Checkpoints, c.st.LastGoodCheckpoint)
	switch {
	case err == nil:
		c.log.Info().Str("checkpoint", shortRef(c.st.LastGoodCheckpoint)).Msg("restored last good checkpoint")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		return Halt(none, it.item.ID, err)
	default:
		return Halt(ReasonRollback, it.item.ID, err)
	}
}

func (c *Controller) checkClean(ctx context.Context, it *iteration, when string) error {
	dirty, err := c.deps.Checkpoints.Dirty(ctx)
	if err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if len(dirty) > 0 {
		return Haltf(ReasonDirtyWorkspace, it.item.ID, "uncommitted changes %s: %s", when, preview(dirty))
	}
	return nil
}

// save applies fn to the persisted state and keeps the result.
func (c *Controller) save(ctx context.Context, fn func(s *state.IterationState)) error {
	st, err := c.deps.Tracker.Update(ctx, func(s *state.IterationState) error {
		fn(s)
		return nil
	})
	if err != nil {
		return c.stateErr(err)
	}
	c.st = st
	return nil
}

func (c *Controller) stateErr(err error) error {
	switch {
	case errors.Is(err, lock.ErrLocked):
		return Halt(ReasonLocked, "", err)
	case errors.Is(err, state.ErrCorruptState):
		return Halt(ReasonCorruptState, "", err)
	}
	return fmt.Errorf("iteration state: %w", err)
}

// fail turns err into a halt and writes the blocked record. it may be nil
// when no iteration bundle exists yet.
func (c *Controller) fail(ctx context.Context, it *iteration, err error) error {
	var halt *HaltError
	if !errors.As(err, &halt) {
		itemID := ""
		if it != nil {
			itemID = it.dec.ItemID
		}
		halt = Halt(ReasonInternal, itemID, err)
	}
	if it != nil {
		it.dec.Outcome = OutcomeHalted
		it.dec.HaltReason = halt.Reason
		it.dec.Error = halt.Error()
	}
	return c.halt(ctx, it, halt)
}

func (c *Controller) halt(ctx context.Context, it *iteration, h *HaltError) error {
	ctx = context.WithoutCancel(ctx)

	c.log.Error().
		Str("reason", h.Reason.String()).
		Str("item_id", h.ItemID).
		Err(h.Err).
		Msg("halted")

	// State owned by another process, or unreadable state, is left alone.
	if h.Reason != ReasonLocked && h.Reason != ReasonCorruptState {
		err := c.save(ctx, func(s *state.IterationState) {
			s.Phase = state.PhaseHalted
			s.HaltReason = h.Reason.String()
		})
		if err != nil {
			c.log.Error().Err(err).Msg("failed to record halt in iteration state")
		}
	}

	var bundle *artifact.Bundle
	blocked := Blocked{
		RunID:    c.opts.RunID,
		ItemID:   h.ItemID,
		Reason:   h.Reason,
		ExitCode: h.Reason.ExitCode(),
		Error:    h.Error(),
		HaltedAt: c.now(),
	}
	if it != nil {
		bundle = it.bundle
		blocked.Iteration = it.n
		blocked.Violations = it.dec.Violations
		blocked.Signals = it.dec.Signals
	} else {
		b, err := c.deps.Artifacts.Blocked()
		if err != nil {
			c.log.Error().Err(err).Msg("failed to create blocked bundle")
			return h
		}
		bundle = b
	}

	if err := bundle.WriteJSON(artifact.BlockedFile, blocked); err != nil {
		c.log.Error().Err(err).Msg("failed to write blocked record")
	}
	if data, err := os.ReadFile(c.deps.Tracker.Path()); err == nil {
		if err := bundle.WriteFile(artifact.StateFile, data); err != nil {
			c.log.Error().Err(err).Msg("failed to copy iteration state")
		}
	}
	return h
}

// record writes the iteration's decision and progress entries. Failures
// are logged; they never change the outcome of the iteration.
func (c *Controller) record(ctx context.Context, it *iteration) {
	ctx = context.WithoutCancel(ctx)

	if !it.bundle.Has(artifact.StorePost) {
		if q, err := c.deps.Store.Load(); err == nil {
			c.writeStore(it, artifact.StorePost, q)
		}
	}

	if err := it.bundle.WriteJSON(artifact.DecisionFile, it.dec); err != nil {
		c.log.Error().Err(err).Msg("failed to write decision")
	}

	if c.deps.Progress != nil {
		if err := c.deps.Progress.Append(it.dec.ProgressLine()); err != nil {
			c.log.Error().Err(err).Msg("failed to append progress log")
		}
	}

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.Record(ctx, it.dec); err != nil {
			c.log.Error().Err(err).Msg("failed to record decision")
		}
	}
}

func (c *Controller) writeStore(it *iteration, name string, q *task.Queue) {
	data, err := q.Marshal()
	if err != nil {
		c.log.Error().Err(err).Str("file", name).Msg("failed to encode task store")
		return
	}
	if err := it.bundle.WriteFile(name, data); err != nil {
		c.log.Error().Err(err).Str("file", name).Msg("failed to write task store snapshot")
	}
}

func (c *Controller) writeBundle(it *iteration, name, content string) {
	if err := it.bundle.WriteString(name, content); err != nil {
		c.log.Error().Err(err).Str("file", name).Msg("failed to write artifact")
	}
}

func preview(paths []string) string {
	const max = 5
	if len(paths) <= max {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s, and %d more", strings.Join(paths[:max], ", "), len(paths)-max)
}

func joinStrings[T fmt.Stringer](items []T) string {
	parts := make([]string, len(items))
	for i, v := range items {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
