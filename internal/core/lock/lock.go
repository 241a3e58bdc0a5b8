// Package lock provides the cross-process advisory mutex that serializes
// access to the Iteration State and to a whole controller run.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when the lock is held by another process and could
// not be acquired before the timeout.
var ErrLocked = errors.New("locked by another process")

const retryDelay = 25 * time.Millisecond

// Mutex is an exclusive lock shared between processes.
type Mutex interface {
	// TryAcquire blocks for at most timeout. It returns ErrLocked when the
	// lock is still held by someone else once the timeout elapses.
	TryAcquire(ctx context.Context, timeout time.Duration) (release func() error, err error)
}

// FileMutex implements Mutex with an flock(2) on a lock file.
type FileMutex struct {
	path string
}

// NewFileMutex returns a mutex backed by the file at path. The file is
// created on first acquire.
func NewFileMutex(path string) *FileMutex {
	return &FileMutex{path: path}
}

// Path returns the lock file path.
func (m *FileMutex) Path() string {
	return m.path
}

func (m *FileMutex) TryAcquire(ctx context.Context, timeout time.Duration) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(m.path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryDelay)
	if err != nil {
		// Parent cancellation is not contention.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", m.path, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", m.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", m.path, ErrLocked)
	}

	return fl.Unlock, nil
}
