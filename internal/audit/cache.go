package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/colonyops/overseer/internal/core/lock"
	"github.com/colonyops/overseer/pkg/fsutil"
)

// Absent is the hash recorded for a global input that does not exist.
const Absent = "ABSENT"

// CacheVersion is the cache file format this build writes.
const CacheVersion = 1

// Reasons a group must be audited again.
const (
	MissGlobalInputs = "global_inputs_changed"
	MissGroupInputs  = "group_inputs_changed"
	MissBlocked      = "blocked_not_cacheable"
	MissOutput       = "cached_output_missing"
)

// Cache records the inputs each group was last audited against.
type Cache struct {
	Version         int                   `json:"version"`
	GlobalInputsSHA string                `json:"global_inputs_sha"`
	GlobalInputs    map[string]string     `json:"global_inputs"`
	Groups          map[string]CacheEntry `json:"groups"`
}

// CacheEntry is one group's cached audit.
type CacheEntry struct {
	InputsSHA string    `json:"inputs_sha"`
	Items     []string  `json:"items"`
	Output    string    `json:"output"`
	Decision  Decision  `json:"decision"`
	CachedAt  time.Time `json:"cached_at"`
}

// Lookup reports whether group can reuse its cached audit. reason is empty
// on a hit.
func (c Cache) Lookup(group int, globalSHA, groupSHA string) (CacheEntry, string) {
	if c.GlobalInputsSHA != globalSHA {
		return CacheEntry{}, MissGlobalInputs
	}
	e, ok := c.Groups[strconv.Itoa(group)]
	switch {
	case !ok || e.InputsSHA != groupSHA:
		return e, MissGroupInputs
	case e.Decision == DecisionBlocked:
		return e, MissBlocked
	case e.Output == "" || !fileExists(e.Output):
		return e, MissOutput
	}
	return e, ""
}

// CacheFile reads and updates the cache on disk.
type CacheFile struct {
	path    string
	mu      lock.Mutex
	timeout time.Duration
	now     func() time.Time
}

// NewCacheFile creates a CacheFile. Updates are serialized with a lock file
// next to path.
func NewCacheFile(path string, timeout time.Duration) *CacheFile {
	return &CacheFile{
		path:    path,
		mu:      lock.NewFileMutex(path + ".lock"),
		timeout: timeout,
		now:     time.Now,
	}
}

// Load returns the cache. A missing or unreadable cache is empty: the only
// cost is re-auditing.
func (f *CacheFile) Load() Cache {
	c := Cache{Version: CacheVersion, Groups: map[string]CacheEntry{}}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return c
	}
	var onDisk Cache
	if err := json.Unmarshal(data, &onDisk); err != nil || onDisk.Version != CacheVersion {
		return c
	}
	if onDisk.Groups == nil {
		onDisk.Groups = map[string]CacheEntry{}
	}
	return onDisk
}

// Update records a finished group audit. The global inputs replace whatever
// was cached before.
func (f *CacheFile) Update(ctx context.Context, group int, globalSHA string, global map[string]string, e CacheEntry) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	release, err := f.mu.TryAcquire(ctx, f.timeout)
	if err != nil {
		return fmt.Errorf("lock audit cache: %w", err)
	}
	defer func() { _ = release() }()

	c := f.Load()
	if c.GlobalInputsSHA != globalSHA {
		// Entries audited against other inputs can never hit again.
		c.Groups = map[string]CacheEntry{}
	}
	c.GlobalInputsSHA = globalSHA
	c.GlobalInputs = global

	if e.CachedAt.IsZero() {
		e.CachedAt = f.now().UTC()
	}
	c.Groups[strconv.Itoa(group)] = e

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(f.path, append(data, '\n'), 0o644)
}

// GlobalInputs hashes each input file (workspace-relative) and returns the
// per-file hashes and a hash over all of them. Missing files hash to Absent.
func GlobalInputs(root string, inputs []string) (string, map[string]string, error) {
	hashes := make(map[string]string, len(inputs))
	for _, in := range inputs {
		h, err := hashFile(filepath.Join(root, in))
		if err != nil {
			return "", nil, fmt.Errorf("hash audit input %s: %w", in, err)
		}
		hashes[in] = h
	}

	data, err := json.Marshal(hashes)
	if err != nil {
		return "", nil, err
	}
	return sha256Hex(data), hashes, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent, nil
		}
		return "", err
	}
	return sha256Hex(data), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
