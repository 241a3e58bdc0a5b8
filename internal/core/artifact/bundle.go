// Package artifact writes the per-iteration evidence bundle and the
// controller's progress log.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/colonyops/overseer/pkg/fsutil"
)

// Bundle file names.
const (
	StorePre       = "store.pre.json"
	StorePost      = "store.post.json"
	CheckpointPre  = "checkpoint.pre"
	CheckpointPost = "checkpoint.post"
	DiffPatch      = "diff.patch"
	Transcript     = "transcript.log"
	VerifyPreLog   = "verify.pre.log"
	VerifyHealLog  = "verify.heal.log"
	VerifyPostLog  = "verify.post.log"
	DecisionFile   = "decision.json"
	BlockedFile    = "blocked.json"
	StateFile      = "state.json"
)

// Store lays out bundles under <root>/<run id>/.
type Store struct {
	root  string
	runID string
}

// NewStore creates a Store for one run.
func NewStore(root, runID string) *Store {
	return &Store{root: root, runID: runID}
}

// RunDir returns the directory holding this run's bundles.
func (s *Store) RunDir() string {
	return filepath.Join(s.root, s.runID)
}

// Iteration creates the bundle directory for iteration n. It fails if the
// directory already exists.
func (s *Store) Iteration(n int) (*Bundle, error) {
	return s.create(fmt.Sprintf("iter-%04d", n))
}

// Blocked creates the run-level bundle used when a halt happens before any
// iteration bundle exists.
func (s *Store) Blocked() (*Bundle, error) {
	return s.create("blocked")
}

func (s *Store) create(name string) (*Bundle, error) {
	if err := os.MkdirAll(s.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	dir := filepath.Join(s.RunDir(), name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle %s: %w", name, err)
	}
	return &Bundle{dir: dir}, nil
}

// Bundle is one directory of write-once files.
type Bundle struct {
	dir string
}

// Dir returns the bundle directory.
func (b *Bundle) Dir() string {
	return b.dir
}

// Path returns the path of a file in the bundle.
func (b *Bundle) Path(name string) string {
	return filepath.Join(b.dir, name)
}

// Has reports whether name has been written.
func (b *Bundle) Has(name string) bool {
	_, err := os.Stat(b.Path(name))
	return err == nil
}

// WriteFile creates name with data. Existing files are never overwritten.
func (b *Bundle) WriteFile(name string, data []byte) error {
	return fsutil.WriteFileExclusive(b.Path(name), data, 0o644)
}

// WriteString is WriteFile for text.
func (b *Bundle) WriteString(name, s string) error {
	return b.WriteFile(name, []byte(s))
}

// WriteJSON writes v as indented JSON.
func (b *Bundle) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return b.WriteFile(name, append(data, '\n'))
}

// Create opens name for streaming writes. It fails if name exists.
func (b *Bundle) Create(name string) (io.WriteCloser, error) {
	f, err := os.OpenFile(b.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}
