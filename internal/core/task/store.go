package task

import (
	"errors"
	"fmt"

	"github.com/colonyops/overseer/pkg/fsutil"
)

var (
	// ErrInvalidFlip is returned when a state flip would not change exactly
	// one item's passed value.
	ErrInvalidFlip = errors.New("state flip must change exactly one item")
	// ErrStoreChanged is returned when the on-disk store no longer matches
	// the snapshot a flip was computed against.
	ErrStoreChanged = errors.New("task store changed since snapshot")
)

// FileStore reads and rewrites the Task Store file at Path.
type FileStore struct {
	Path string
}

// NewFileStore creates a FileStore for the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads and validates the store.
func (s *FileStore) Load() (*Queue, error) {
	return Load(s.Path)
}

// ApplyStateFlip sets the passed value of item id, starting from the before
// snapshot, and atomically rewrites the whole store. The flip is rejected
// unless exactly one item's passed value differs between before and the
// result, and unless the file on disk still matches before.
func (s *FileStore) ApplyStateFlip(before *Queue, id string, passed bool) (*Queue, error) {
	current, err := s.Load()
	if err != nil {
		return nil, err
	}
	if current.ContentHash() != before.ContentHash() {
		return nil, ErrStoreChanged
	}

	after := before.Clone()
	if err := after.setPassed(id, passed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlip, err)
	}

	if n := CountStateDiffs(before, after); n != 1 {
		return nil, fmt.Errorf("%w: %d items changed", ErrInvalidFlip, n)
	}

	if err := Validate(after.doc); err != nil {
		return nil, &InvariantError{Path: s.Path, Err: err}
	}

	data, err := after.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode task store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write task store: %w", err)
	}

	return after, nil
}
