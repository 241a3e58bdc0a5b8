package git

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colonyops/overseer/pkg/executil"
)

func TestExecutor_Diff(t *testing.T) {
	const sampleDiff = `diff --git a/file.go b/file.go
index abc123..def456 100644
--- a/file.go
+++ b/file.go
@@ -1,3 +1,4 @@
 package main

 func main() {
+	fmt.Println("hello")
 }`

	rec := &executil.RecordingExecutor{Outputs: map[string][]byte{"git": []byte(sampleDiff)}}
	g := NewExecutor("git", rec)

	got, err := g.Diff(context.Background(), "/ws", "pre", "post")
	require.NoError(t, err)
	assert.Equal(t, sampleDiff, got)

	require.Len(t, rec.Commands, 1)
	assert.Equal(t, []string{"diff", "--no-color", "--no-ext-diff", "--no-renames", "pre", "post"}, rec.Commands[0].Args)
}

func TestExecutor_DiffStats(t *testing.T) {
	rec := &executil.RecordingExecutor{
		Outputs: map[string][]byte{"git": []byte(" 2 files changed, 7 insertions(+), 3 deletions(-)\n")},
	}

	add, del, err := NewExecutor("git", rec).DiffStats(context.Background(), "/ws", "pre", "post")
	require.NoError(t, err)
	assert.Equal(t, 7, add)
	assert.Equal(t, 3, del)
}
