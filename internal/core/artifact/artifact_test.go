package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Iteration(t *testing.T) {
	s := NewStore(t.TempDir(), "run-1")

	b, err := s.Iteration(3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.RunDir(), "iter-0003"), b.Dir())

	_, err = s.Iteration(3)
	require.ErrorIs(t, err, os.ErrExist, "bundles are created exclusively")

	blocked, err := s.Blocked()
	require.NoError(t, err)
	assert.Equal(t, "blocked", filepath.Base(blocked.Dir()))
}

func TestBundle_WriteOnce(t *testing.T) {
	b, err := NewStore(t.TempDir(), "run").Iteration(1)
	require.NoError(t, err)

	require.NoError(t, b.WriteString(CheckpointPre, "abc"))
	require.ErrorIs(t, b.WriteString(CheckpointPre, "def"), os.ErrExist)

	require.NoError(t, b.WriteJSON(DecisionFile, map[string]string{"outcome": "passed"}))
	require.ErrorIs(t, b.WriteJSON(DecisionFile, map[string]string{}), os.ErrExist)
	assert.True(t, b.Has(DecisionFile))
	assert.False(t, b.Has(DiffPatch))

	w, err := b.Create(Transcript)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = b.Create(Transcript)
	require.ErrorIs(t, err, os.ErrExist)

	data, err := os.ReadFile(b.Path(CheckpointPre))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestProgressLog_Rotate(t *testing.T) {
	dir := t.TempDir()
	p := NewProgressLog(filepath.Join(dir, "progress.log"), filepath.Join(dir, "archive", "progress.archive.log"), 10, 4)
	p.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Append(fmt.Sprintf("line %d", i)))
	}
	_, err := os.Stat(p.ArchivePath)
	require.True(t, os.IsNotExist(err), "no rotation at exactly MaxLines")

	require.NoError(t, p.Append("line 11"))

	data, err := os.ReadFile(p.Path)
	require.NoError(t, err)
	kept := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, kept, 4)
	assert.True(t, strings.HasSuffix(kept[0], "line 8"))
	assert.True(t, strings.HasSuffix(kept[3], "line 11"))

	archive, err := os.ReadFile(p.ArchivePath)
	require.NoError(t, err)
	assert.Contains(t, string(archive), "=== ARCHIVE 2026-05-06T07:08:09Z (rotated 7 lines) ===")
	assert.Contains(t, string(archive), "line 1\n")
	assert.Contains(t, string(archive), "line 7\n")
	assert.NotContains(t, string(archive), "line 8\n")
}

func TestProgressLog_RotateMissingFile(t *testing.T) {
	dir := t.TempDir()
	p := NewProgressLog(filepath.Join(dir, "progress.log"), filepath.Join(dir, "archive.log"), 0, 0)

	n, err := p.Rotate()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 500, p.MaxLines)
	assert.Equal(t, 0, p.Keep)
}
