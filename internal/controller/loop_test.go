package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/colonyops/overseer/internal/core/artifact"
	"github.com/colonyops/overseer/internal/core/breaker"
	"github.com/colonyops/overseer/internal/core/guard"
	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/ratelimit"
	"github.com/colonyops/overseer/internal/core/state"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/colonyops/overseer/internal/core/verify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCheckpoints is an in-memory checkpoint.Manager. Workers "commit" by
// calling commit, which moves head and records the change for diffing.
type fakeCheckpoints struct {
	head     string
	seq      int
	dirty    []string
	changed  map[string][]string
	diffs    map[string]string
	restores []string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		head:    "cp-0",
		changed: map[string][]string{},
		diffs:   map[string]string{},
	}
}

func (f *fakeCheckpoints) commit(paths []string, diff string) string {
	f.seq++
	id := fmt.Sprintf("cp-%d", f.seq)
	f.head = id
	f.changed[id] = paths
	f.diffs[id] = diff
	return id
}

func (f *fakeCheckpoints) Snapshot(context.Context, string) (string, error) {
	return f.commit([]string{"plans/prd.json"}, ""), nil
}

func (f *fakeCheckpoints) Restore(_ context.Context, cp string) error {
	f.restores = append(f.restores, cp)
	f.head = cp
	f.dirty = nil
	return nil
}

func (f *fakeCheckpoints) Current(context.Context) (string, error) { return f.head, nil }
func (f *fakeCheckpoints) Dirty(context.Context) ([]string, error) { return f.dirty, nil }

func (f *fakeCheckpoints) ChangedPaths(_ context.Context, _, to string) ([]string, error) {
	return f.changed[to], nil
}

func (f *fakeCheckpoints) Diff(_ context.Context, _, to string) (string, error) {
	return f.diffs[to], nil
}

// fakeVerifier returns scripted exit codes in call order; calls past the
// script pass.
type fakeVerifier struct {
	codes []int
	calls int
}

func (v *fakeVerifier) Run(_ context.Context, mode, cp string, w io.Writer) (verify.Result, error) {
	code := 0
	if v.calls < len(v.codes) {
		code = v.codes[v.calls]
	}
	v.calls++

	res := verify.Result{Mode: mode, ModeRan: mode, ExitCode: code, Signature: "sig", Checkpoint: cp}
	if code != 0 {
		res.FailureSignature = "fail-sig"
		_, _ = fmt.Fprintln(w, "FAIL TestThing")
	} else {
		_, _ = fmt.Fprintln(w, "ok")
	}
	return res, nil
}

func (v *fakeVerifier) Trust(res *verify.Result, mode, cp string) error {
	switch {
	case res == nil:
		return verify.ErrNotPassed
	case !res.Passed():
		return fmt.Errorf("%w: exit code %d", verify.ErrNotPassed, res.ExitCode)
	case res.Signature != "sig":
		return verify.ErrSignatureStale
	case res.Mode != mode:
		return verify.ErrModeMismatch
	case res.Checkpoint != cp:
		return verify.ErrCheckpointMismatch
	}
	return nil
}

type step func(stdout io.Writer) (DispatchResult, error)

type fakeWorker struct {
	steps        []step
	instructions []string
}

func (w *fakeWorker) Dispatch(_ context.Context, instruction string, stdout, _ io.Writer) (DispatchResult, error) {
	i := len(w.instructions)
	w.instructions = append(w.instructions, instruction)
	if i >= len(w.steps) {
		return DispatchResult{}, nil
	}
	return w.steps[i](stdout)
}

type fakeRecorder struct {
	decisions []Decision
}

func (r *fakeRecorder) Record(_ context.Context, d Decision) error {
	r.decisions = append(r.decisions, d)
	return nil
}

type harness struct {
	t        *testing.T
	ws       string
	stateDir string
	runLock  *lock.FileMutex
	tracker  *state.Tracker
	store    *task.FileStore
	cps      *fakeCheckpoints
	verifier *fakeVerifier
	worker   *fakeWorker
	recorder *fakeRecorder
	opts     Options
}

func newHarness(t *testing.T, items ...task.Item) *harness {
	t.Helper()

	ws := t.TempDir()
	stateDir := filepath.Join(ws, ".overseer")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "plans"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0o755))
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "plans", "verify.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "src", "a.go"), []byte("package a\n"), 0o644))

	data, err := json.MarshalIndent(task.Document{Project: "demo", Version: 1, Items: items}, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "plans", "prd.json"), data, 0o644))

	return &harness{
		t:        t,
		ws:       ws,
		stateDir: stateDir,
		runLock:  lock.NewFileMutex(filepath.Join(stateDir, "run.lock")),
		tracker: state.NewTracker(
			filepath.Join(stateDir, "state.json"),
			lock.NewFileMutex(filepath.Join(stateDir, "state.lock")),
			time.Second,
		),
		store:    task.NewFileStore(filepath.Join(ws, "plans", "prd.json")),
		cps:      newFakeCheckpoints(),
		verifier: &fakeVerifier{},
		worker:   &fakeWorker{},
		recorder: &fakeRecorder{},
		opts: Options{
			RunID:       "run-1",
			Workspace:   ws,
			StorePath:   "plans/prd.json",
			Entrypoint:  "plans/verify.sh",
			VerifyMode:  "full",
			Instruction: "work on {{ .Item.ID }}",
			CheatMode:   guard.ModeBlock,
			GlobCeiling: 200,
			OwnedPaths:  []string{".overseer/**", "plans/prd.json"},
			Breaker:     breaker.Config{MaxSameFailure: 3, MaxNoProgress: 2},
		},
	}
}

func (h *harness) run(ctx context.Context) (Summary, error) {
	m := guard.NewGlobMatcher()
	deps := Deps{
		Store:       h.store,
		Tracker:     h.tracker,
		RunLock:     h.runLock,
		Checkpoints: h.cps,
		Verifier:    h.verifier,
		Worker:      h.worker,
		Selector:    QueueSelector{},
		Limiter:     ratelimit.New(ratelimit.Config{Capacity: 100, Window: time.Hour}, zerolog.Nop()),
		Matcher:     m,
		Detector:    guard.NewDetector(m, guard.CheatConfig{VerifyEntrypoint: h.opts.Entrypoint}),
		Artifacts:   artifact.NewStore(filepath.Join(h.stateDir, "artifacts"), h.opts.RunID),
		Progress: artifact.NewProgressLog(
			filepath.Join(h.stateDir, "progress.log"),
			filepath.Join(h.stateDir, "progress.archive.log"),
			0, 0,
		),
		Recorder: h.recorder,
	}
	return New(h.opts, deps, zerolog.Nop()).Run(ctx)
}

func (h *harness) bundle(n int) string {
	return filepath.Join(h.stateDir, "artifacts", h.opts.RunID, fmt.Sprintf("iter-%04d", n))
}

func (h *harness) loadState() state.IterationState {
	h.t.Helper()
	st, err := h.tracker.Load(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *harness) passed(id string) bool {
	h.t.Helper()
	q, err := h.store.Load()
	require.NoError(h.t, err)
	it, ok := q.Find(id)
	require.True(h.t, ok)
	return it.State.Passed
}

func (h *harness) blocked(n int) Blocked {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.bundle(n), artifact.BlockedFile))
	require.NoError(h.t, err)
	var b Blocked
	require.NoError(h.t, json.Unmarshal(data, &b))
	return b
}

// commitAndPrint returns a worker step that commits paths and prints out.
func (h *harness) commitAndPrint(paths []string, diff, out string) step {
	return func(stdout io.Writer) (DispatchResult, error) {
		h.cps.commit(paths, diff)
		_, _ = io.WriteString(stdout, out)
		return DispatchResult{}, nil
	}
}

func assertHalt(t *testing.T, err error, reason Reason) {
	t.Helper()
	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, reason, halt.Reason, halt.Error())
}

func TestRun_PassesItemAndCompletes(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.worker.steps = []step{
		h.commitAndPrint([]string{"src/a.go"}, "", "done\n<mark_pass>A</mark_pass>\n"),
	}

	sum, err := h.run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Done)
	assert.Equal(t, 1, sum.Passed)
	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, 0, ExitCode(err))

	assert.True(t, h.passed("A"))
	assert.Equal(t, []string{"work on A"}, h.worker.instructions)
	// baseline, post, and the final corroborating run at the flip commit
	assert.Equal(t, 3, h.verifier.calls)

	st := h.loadState()
	assert.Equal(t, state.PhaseDone, st.Phase)
	assert.Equal(t, h.cps.head, st.LastGoodCheckpoint)

	for _, name := range []string{
		artifact.StorePre, artifact.StorePost, artifact.CheckpointPre, artifact.CheckpointPost,
		artifact.DiffPatch, artifact.Transcript, artifact.VerifyPreLog, artifact.VerifyPostLog,
		artifact.DecisionFile,
	} {
		assert.FileExists(t, filepath.Join(h.bundle(1), name))
	}
	assert.NoFileExists(t, filepath.Join(h.bundle(1), artifact.BlockedFile))

	require.Len(t, h.recorder.decisions, 2)
	assert.Equal(t, OutcomePassed, h.recorder.decisions[0].Outcome)
	assert.True(t, h.recorder.decisions[0].Flipped)
	assert.Equal(t, OutcomeDone, h.recorder.decisions[1].Outcome)

	progress, err := os.ReadFile(filepath.Join(h.stateDir, "progress.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(progress), "\n"))
	assert.Contains(t, string(progress), "item=A outcome=passed")
}

func TestRun_RepeatedFailureTripsBreaker(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.opts.SelfHeal = true
	h.verifier.codes = []int{0, 1, 0, 1, 0, 1}
	for range 3 {
		h.worker.steps = append(h.worker.steps, h.commitAndPrint([]string{"src/a.go"}, "", "tried\n"))
	}

	sum, err := h.run(context.Background())
	assertHalt(t, err, ReasonCircuitBreaker)
	assert.Equal(t, 7, ExitCode(err))
	assert.Equal(t, 3, sum.Iterations)
	assert.False(t, h.passed("A"))

	for n := 1; n <= 3; n++ {
		assert.DirExists(t, h.bundle(n))
	}
	assert.NoFileExists(t, filepath.Join(h.bundle(2), artifact.BlockedFile))
	b := h.blocked(3)
	assert.Equal(t, ReasonCircuitBreaker, b.Reason)
	assert.Equal(t, "A", b.ItemID)
	assert.FileExists(t, filepath.Join(h.bundle(3), artifact.StateFile))

	// two rollbacks to the baseline checkpoint before the breaker tripped
	assert.Equal(t, []string{"cp-0", "cp-0"}, h.cps.restores)

	st := h.loadState()
	assert.Equal(t, state.PhaseHalted, st.Phase)
	assert.Equal(t, string(ReasonCircuitBreaker), st.HaltReason)
	assert.Equal(t, 3, st.FailureStreak)
	assert.Equal(t, "fail-sig", st.FailureSignature)
}

func TestRun_PostVerifyFailureWithoutSelfHeal(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.verifier.codes = []int{0, 1}
	h.worker.steps = []step{h.commitAndPrint([]string{"src/a.go"}, "", "<mark_pass>A</mark_pass>\n")}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonPostVerify)
	assert.False(t, h.passed("A"))
	assert.Empty(t, h.cps.restores)
}

func TestRun_DirtyAfterDispatchHaltsBeforeFlip(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.worker.steps = []step{func(stdout io.Writer) (DispatchResult, error) {
		h.cps.dirty = []string{"src/a.go"}
		_, _ = io.WriteString(stdout, "<mark_pass>A</mark_pass>\n")
		return DispatchResult{}, nil
	}}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonDirtyWorkspace)
	assert.Equal(t, 11, ExitCode(err))
	assert.False(t, h.passed("A"))
	// post-verification never ran
	assert.Equal(t, 1, h.verifier.calls)
	assert.Equal(t, ReasonDirtyWorkspace, h.blocked(1).Reason)
}

func TestRun_DirtyBeforeDispatch(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.cps.dirty = []string{"notes.txt"}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonDirtyWorkspace)
	assert.Empty(t, h.worker.instructions)
}

func TestRun_Guards(t *testing.T) {
	deletedTest := strings.Join([]string{
		"diff --git a/src/a_test.go b/src/a_test.go",
		"deleted file mode 100644",
		"--- a/src/a_test.go",
		"+++ /dev/null",
		"@@ -1,2 +0,0 @@",
		"-package a",
		"-func TestA(t *testing.T) { t.Fatal(\"x\") }",
		"",
	}, "\n")

	tests := []struct {
		name   string
		paths  []string
		diff   string
		out    string
		reason Reason
	}{
		{
			name:   "path outside scope",
			paths:  []string{"src/a.go", "docs/readme.md"},
			out:    "<mark_pass>A</mark_pass>\n",
			reason: ReasonScope,
		},
		{
			name:   "test deleted",
			paths:  []string{"src/a_test.go"},
			diff:   deletedTest,
			out:    "<mark_pass>A</mark_pass>\n",
			reason: ReasonCheat,
		},
		{
			name:   "mark pass for another item",
			paths:  []string{"src/a.go"},
			out:    "<mark_pass>B</mark_pass>\n",
			reason: ReasonSentinelMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mkItem("A", 0, 1), mkItem("B", 0, 0))
			h.worker.steps = []step{h.commitAndPrint(tt.paths, tt.diff, tt.out)}

			_, err := h.run(context.Background())
			assertHalt(t, err, tt.reason)
			assert.False(t, h.passed("A"))
			assert.False(t, h.passed("B"))

			b := h.blocked(1)
			assert.Equal(t, tt.reason, b.Reason)
			assert.Equal(t, tt.reason.ExitCode(), b.ExitCode)
		})
	}
}

func TestRun_ScopeViolationRecordsPaths(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.worker.steps = []step{h.commitAndPrint([]string{"docs/readme.md", ".overseer/notes"}, "", "")}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonScope)

	b := h.blocked(1)
	require.Len(t, b.Violations, 1)
	assert.Equal(t, "docs/readme.md", b.Violations[0].Path)
}

func TestRun_CheatWarnModeContinues(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.opts.CheatMode = guard.ModeWarn
	diff := strings.Join([]string{
		"diff --git a/src/a.go b/src/a.go",
		"--- a/src/a.go",
		"+++ b/src/a.go",
		"@@ -1 +1,2 @@",
		" package a",
		"+//nolint:all",
		"",
	}, "\n")
	h.worker.steps = []step{h.commitAndPrint([]string{"src/a.go"}, diff, "<mark_pass>A</mark_pass>\n")}

	sum, err := h.run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Done)
	require.NotEmpty(t, h.recorder.decisions)
	assert.NotEmpty(t, h.recorder.decisions[0].Signals)
}

func TestRun_WorkerEditsTaskStore(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.worker.steps = []step{func(io.Writer) (DispatchResult, error) {
		passed := mkItem("A", 0, 1)
		passed.State.Passed = true
		data, err := json.Marshal(task.Document{Project: "demo", Version: 1, Items: []task.Item{passed}})
		if err != nil {
			return DispatchResult{}, err
		}
		if err := os.WriteFile(h.store.Path, data, 0o644); err != nil {
			return DispatchResult{}, err
		}
		h.cps.commit([]string{"plans/prd.json"}, "")
		return DispatchResult{}, nil
	}}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonInvalidStateFlip)
}

func TestRun_BaselineFailure(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.verifier.codes = []int{1}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonBaseline)
	assert.Equal(t, 5, ExitCode(err))
	assert.Empty(t, h.worker.instructions)
}

func TestRun_BaselineSelfHealWithoutCheckpoint(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.opts.SelfHeal = true
	h.verifier.codes = []int{1}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonBaseline)
	assert.Empty(t, h.cps.restores)
}

func TestRun_CompletionClaimWithPendingItems(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1), mkItem("B", 0, 0))
	h.worker.steps = []step{h.commitAndPrint([]string{"src/a.go"}, "", "<promise>COMPLETE</promise>\n")}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonIncompleteCompletion)
	assert.Equal(t, 15, ExitCode(err))
}

func TestRun_AlreadyComplete(t *testing.T) {
	done := mkItem("A", 0, 1)
	done.State.Passed = true
	h := newHarness(t, done)

	sum, err := h.run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Done)
	assert.Empty(t, h.worker.instructions)
	assert.Equal(t, 1, h.verifier.calls)
}

func TestRun_AlreadyCompleteButFailing(t *testing.T) {
	done := mkItem("A", 0, 1)
	done.State.Passed = true
	h := newHarness(t, done)
	h.verifier.codes = []int{1}

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonIncompleteCompletion)
}

func TestRun_NoProgress(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))

	sum, err := h.run(context.Background())
	assertHalt(t, err, ReasonNoProgress)
	assert.Equal(t, 8, ExitCode(err))
	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, 2, h.loadState().NoProgressStreak)
}

func TestRun_WorkerTimeoutTripsBreaker(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	for range 3 {
		h.worker.steps = append(h.worker.steps, func(stdout io.Writer) (DispatchResult, error) {
			h.cps.commit([]string{"src/a.go"}, "")
			_, _ = io.WriteString(stdout, "<mark_pass>A</mark_pass>\n")
			return DispatchResult{TimedOut: true}, nil
		})
	}

	sum, err := h.run(context.Background())
	assertHalt(t, err, ReasonCircuitBreaker)
	assert.Equal(t, 3, sum.Iterations)
	assert.False(t, h.passed("A"))

	require.GreaterOrEqual(t, len(h.recorder.decisions), 2)
	assert.Equal(t, OutcomeTimedOut, h.recorder.decisions[0].Outcome)
	assert.Equal(t, OutcomeTimedOut, h.recorder.decisions[1].Outcome)

	st := h.loadState()
	assert.Equal(t, 3, st.FailureStreak)
	assert.Equal(t, workerTimeoutSignature, st.FailureSignature)
	// only verified baselines advance the last good checkpoint
	assert.Equal(t, "cp-2", st.LastGoodCheckpoint)
}

func TestRun_HumanBlockedGroup(t *testing.T) {
	human := mkItem("A", 0, 1)
	human.NeedsHumanDecision = true
	h := newHarness(t, human)

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonInvalidSelection)
}

func TestRun_MissingVerifyCommand(t *testing.T) {
	it := mkItem("A", 0, 1)
	it.VerifyCommands = []string{"go test ./..."}
	h := newHarness(t, it)

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonInvalidSelection)
	assert.Equal(t, 0, h.verifier.calls)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	h.opts.DryRun = true

	sum, err := h.run(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Done)
	assert.Equal(t, 1, sum.Iterations)
	assert.Empty(t, h.worker.instructions)

	transcript, err := os.ReadFile(filepath.Join(h.bundle(1), artifact.Transcript))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "work on A")
	assert.False(t, h.passed("A"))
}

func TestRun_MaxIterations(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 2), mkItem("B", 0, 1))
	h.opts.MaxIterations = 1
	h.worker.steps = []step{h.commitAndPrint([]string{"src/a.go"}, "", "<mark_pass>A</mark_pass>\n")}

	sum, err := h.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Iterations)
	assert.True(t, h.passed("A"))
	assert.False(t, h.passed("B"))
	assert.Equal(t, state.PhaseSelecting, h.loadState().Phase)
}

func TestRun_ResumesIterationCount(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 2), mkItem("B", 0, 1))
	h.opts.MaxIterations = 1
	h.worker.steps = []step{
		h.commitAndPrint([]string{"src/a.go"}, "", "<mark_pass>A</mark_pass>\n"),
		h.commitAndPrint([]string{"src/a.go"}, "", "<mark_pass>B</mark_pass>\n"),
	}

	_, err := h.run(context.Background())
	require.NoError(t, err)

	h.opts.RunID = "run-2"
	_, err = h.run(context.Background())
	require.NoError(t, err)

	assert.True(t, h.passed("B"))
	assert.DirExists(t, h.bundle(2))
	assert.Equal(t, 2, h.loadState().Iteration)
}

func TestRun_Locked(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))

	other := lock.NewFileMutex(h.runLock.Path())
	release, err := other.TryAcquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer func() { _ = release() }()

	_, err = h.run(context.Background())
	assertHalt(t, err, ReasonLocked)
	assert.Equal(t, 16, ExitCode(err))
	assert.FileExists(t, filepath.Join(h.stateDir, "artifacts", "run-1", "blocked", artifact.BlockedFile))
	assert.NoFileExists(t, h.tracker.Path())
}

func TestRun_CorruptState(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	require.NoError(t, os.WriteFile(h.tracker.Path(), []byte("{not json"), 0o644))

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonCorruptState)

	data, err := os.ReadFile(h.tracker.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRun_MissingEntrypoint(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	require.NoError(t, os.Remove(filepath.Join(h.ws, "plans", "verify.sh")))

	_, err := h.run(context.Background())
	assertHalt(t, err, ReasonSetup)
	assert.Equal(t, 2, ExitCode(err))
}

func TestRun_Interrupted(t *testing.T) {
	h := newHarness(t, mkItem("A", 0, 1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.worker.steps = []step{func(io.Writer) (DispatchResult, error) {
		cancel()
		return DispatchResult{}, context.Canceled
	}}

	_, err := h.run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, ExitInterrupted, ExitCode(err))
	assert.NoFileExists(t, filepath.Join(h.bundle(1), artifact.BlockedFile))
	assert.FileExists(t, filepath.Join(h.bundle(1), artifact.DecisionFile))
	assert.False(t, h.passed("A"))
}
