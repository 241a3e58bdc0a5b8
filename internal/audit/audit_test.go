package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/internal/core/task"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupExecutor answers each audit call with the status configured for the
// items of the group named by the final argument.
type groupExecutor struct {
	mu     sync.Mutex
	status map[string]Decision
	calls  []string
	env    [][]string
	fail   error
}

func (e *groupExecutor) Run(context.Context, string, ...string) ([]byte, error) {
	return nil, nil
}

func (e *groupExecutor) RunDir(context.Context, string, string, ...string) ([]byte, error) {
	return nil, nil
}

func (e *groupExecutor) RunDirStream(_ context.Context, _ string, env []string, stdout, stderr io.Writer, _ string, args ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, args[len(args)-1])
	e.env = append(e.env, env)
	if e.fail != nil {
		_, _ = io.WriteString(stderr, "boom\n")
		return e.fail
	}

	var ids []string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "OVERSEER_AUDIT_ITEMS="); ok {
			ids = strings.Split(v, ",")
		}
	}

	var out commandOutput
	for _, id := range ids {
		st := e.status[id]
		if st == "" {
			st = DecisionPass
		}
		out.Items = append(out.Items, ItemResult{ID: id, Status: st})
	}
	return json.NewEncoder(stdout).Encode(out)
}

func item(id string, group int) task.Item {
	return task.Item{
		ID:             id,
		Group:          group,
		Scope:          task.Scope{Touch: []string{"src/**"}},
		VerifyCommands: []string{"plans/verify.sh full"},
	}
}

type fixture struct {
	ws    string
	store string
	out   string
	exec  *groupExecutor
	opts  Options
}

func newFixture(t *testing.T, items ...task.Item) *fixture {
	t.Helper()
	ws := t.TempDir()
	f := &fixture{
		ws:    ws,
		store: filepath.Join(ws, "prd.json"),
		out:   filepath.Join(ws, ".overseer", "audit"),
		exec:  &groupExecutor{status: map[string]Decision{}},
	}
	f.writeStore(t, items...)
	f.opts = Options{
		Workspace:   ws,
		StorePath:   f.store,
		OutputDir:   f.out,
		Inputs:      []string{"prompts/auditor.md"},
		Command:     []string{"auditor", "--strict"},
		Concurrency: 2,
		LockTimeout: time.Second,
	}
	return f
}

func (f *fixture) writeStore(t *testing.T, items ...task.Item) {
	t.Helper()
	data, err := json.MarshalIndent(task.Document{Project: "demo", Version: 1, Items: items}, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.store, data, 0o644))
}

func (f *fixture) run(t *testing.T) (*Report, error) {
	t.Helper()
	a := New(f.exec, lock.NewFileMutex(filepath.Join(f.ws, "run.lock")), f.opts, zerolog.Nop())
	return a.Run(context.Background())
}

func TestAuditor_RunMergesGroups(t *testing.T) {
	f := newFixture(t, item("b", 1), item("a", 1), item("c", 0))
	f.exec.status["a"] = DecisionFail

	report, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, "demo", report.Project)
	assert.Equal(t, Summary{Total: 3, Pass: 2, Fail: 1}, report.Summary)
	assert.False(t, report.Passed())

	var order []string
	for _, it := range report.Items {
		order = append(order, fmt.Sprintf("%d/%s", it.Group, it.ID))
	}
	assert.Equal(t, []string{"0/c", "1/a", "1/b"}, order)

	require.Len(t, report.Groups, 2)
	assert.Equal(t, DecisionPass, report.Groups[0].Decision)
	assert.Equal(t, DecisionFail, report.Groups[1].Decision)

	assert.FileExists(t, filepath.Join(f.out, ReportFile))
	assert.FileExists(t, filepath.Join(f.out, "cache.json"))
	assert.Contains(t, f.exec.env[0], "OVERSEER_TASK_STORE="+f.store)
}

func TestAuditor_CacheReuse(t *testing.T) {
	f := newFixture(t, item("a", 0), item("b", 1))

	_, err := f.run(t)
	require.NoError(t, err)
	assert.Len(t, f.exec.calls, 2)

	t.Run("unchanged inputs hit the cache", func(t *testing.T) {
		f.exec.calls = nil
		report, err := f.run(t)
		require.NoError(t, err)
		assert.Empty(t, f.exec.calls)
		for _, g := range report.Groups {
			assert.True(t, g.Cached)
		}
	})

	t.Run("passing an item keeps the cache", func(t *testing.T) {
		f.exec.calls = nil
		done := item("a", 0)
		done.State.Passed = true
		f.writeStore(t, done, item("b", 1))

		_, err := f.run(t)
		require.NoError(t, err)
		assert.Empty(t, f.exec.calls)
	})

	t.Run("editing a group re-audits only that group", func(t *testing.T) {
		f.exec.calls = nil
		edited := item("b", 1)
		edited.Title = "changed"
		f.writeStore(t, item("a", 0), edited)

		report, err := f.run(t)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, f.exec.calls)
		assert.Equal(t, MissGroupInputs, report.Groups[1].Reason)
	})

	t.Run("global input change re-audits everything", func(t *testing.T) {
		f.exec.calls = nil
		require.NoError(t, os.MkdirAll(filepath.Join(f.ws, "prompts"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(f.ws, "prompts", "auditor.md"), []byte("new"), 0o644))

		report, err := f.run(t)
		require.NoError(t, err)
		assert.Len(t, f.exec.calls, 2)
		assert.Equal(t, MissGlobalInputs, report.Groups[0].Reason)
	})

	t.Run("missing output re-audits", func(t *testing.T) {
		f.exec.calls = nil
		require.NoError(t, os.Remove(filepath.Join(f.out, "group-0.json")))

		_, err := f.run(t)
		require.NoError(t, err)
		assert.Equal(t, []string{"0"}, f.exec.calls)
	})
}

func TestAuditor_BlockedIsNotCached(t *testing.T) {
	f := newFixture(t, item("a", 0))
	f.exec.status["a"] = DecisionBlocked

	_, err := f.run(t)
	require.NoError(t, err)

	f.exec.calls = nil
	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, f.exec.calls)
	assert.Equal(t, MissBlocked, report.Groups[0].Reason)
}

func TestAuditor_GroupFilter(t *testing.T) {
	f := newFixture(t, item("a", 0), item("b", 1), item("c", 2))
	f.opts.Groups = []int{2, 0}

	report, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Total)
	assert.ElementsMatch(t, []string{"0", "2"}, f.exec.calls)

	f.opts.Groups = []int{9}
	_, err = f.run(t)
	require.Error(t, err)
}

func TestAuditor_Errors(t *testing.T) {
	t.Run("command failure", func(t *testing.T) {
		f := newFixture(t, item("a", 0))
		f.exec.fail = fmt.Errorf("exit status 1")

		_, err := f.run(t)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "group 0")
		assert.NoFileExists(t, filepath.Join(f.out, ReportFile))
	})

	t.Run("no command", func(t *testing.T) {
		f := newFixture(t, item("a", 0))
		f.opts.Command = nil

		_, err := f.run(t)
		require.ErrorIs(t, err, ErrNoCommand)
	})

	t.Run("run lock held", func(t *testing.T) {
		f := newFixture(t, item("a", 0))
		held := lock.NewFileMutex(filepath.Join(f.ws, "run.lock"))
		release, err := held.TryAcquire(context.Background(), time.Second)
		require.NoError(t, err)
		defer func() { _ = release() }()

		f.opts.LockTimeout = 10 * time.Millisecond
		_, err = f.run(t)
		require.ErrorIs(t, err, lock.ErrLocked)
	})
}

func TestCheckOutput(t *testing.T) {
	data, err := json.Marshal(task.Document{Project: "demo", Version: 1, Items: []task.Item{item("a", 0), item("b", 0), item("c", 1)}})
	require.NoError(t, err)
	q, err := task.Decode("prd.json", data)
	require.NoError(t, err)
	sha := q.GroupHash(0)

	tests := []struct {
		name    string
		out     GroupOutput
		wantErr string
	}{
		{
			name: "valid",
			out:  GroupOutput{InputsSHA: sha, Items: []ItemResult{{ID: "a", Status: DecisionPass}, {ID: "b", Status: DecisionFail}}},
		},
		{
			name:    "stale inputs",
			out:     GroupOutput{InputsSHA: "old", Items: []ItemResult{{ID: "a", Status: DecisionPass}, {ID: "b", Status: DecisionPass}}},
			wantErr: "different inputs",
		},
		{
			name:    "missing item",
			out:     GroupOutput{InputsSHA: sha, Items: []ItemResult{{ID: "a", Status: DecisionPass}}},
			wantErr: "does not cover b",
		},
		{
			name:    "foreign item",
			out:     GroupOutput{InputsSHA: sha, Items: []ItemResult{{ID: "a", Status: DecisionPass}, {ID: "b", Status: DecisionPass}, {ID: "c", Status: DecisionPass}}},
			wantErr: "not in the group",
		},
		{
			name:    "duplicate item",
			out:     GroupOutput{InputsSHA: sha, Items: []ItemResult{{ID: "a", Status: DecisionPass}, {ID: "a", Status: DecisionPass}}},
			wantErr: "reported twice",
		},
		{
			name:    "unknown status",
			out:     GroupOutput{InputsSHA: sha, Items: []ItemResult{{ID: "a", Status: "MAYBE"}, {ID: "b", Status: DecisionPass}}},
			wantErr: "unknown status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckOutput(q, 0, tt.out)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGroupOutput_Decision(t *testing.T) {
	tests := []struct {
		statuses []Decision
		want     Decision
	}{
		{[]Decision{DecisionPass, DecisionPass}, DecisionPass},
		{[]Decision{DecisionPass, DecisionBlocked}, DecisionBlocked},
		{[]Decision{DecisionBlocked, DecisionFail}, DecisionFail},
		{nil, DecisionPass},
	}
	for _, tt := range tests {
		var o GroupOutput
		for i, s := range tt.statuses {
			o.Items = append(o.Items, ItemResult{ID: fmt.Sprint(i), Status: s})
		}
		assert.Equal(t, tt.want, o.Decision(), tt.statuses)
	}
}

func TestGlobalInputs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("a"), 0o644))

	sha1, hashes, err := GlobalInputs(root, []string{"a.md", "missing.md"})
	require.NoError(t, err)
	assert.Equal(t, Absent, hashes["missing.md"])
	assert.Len(t, hashes["a.md"], 64)

	require.NoError(t, os.WriteFile(filepath.Join(root, "missing.md"), []byte("now here"), 0o644))
	sha2, _, err := GlobalInputs(root, []string{"a.md", "missing.md"})
	require.NoError(t, err)
	assert.NotEqual(t, sha1, sha2)
}

func TestWorkerPool_LimitsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	assert.Equal(t, 2, pool.Size())

	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.RunContext(context.Background(), func() {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	full := NewWorkerPool(1)
	full.sem <- struct{}{}
	assert.ErrorIs(t, full.RunContext(ctx, func() {}), context.Canceled)
}
