package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colonyops/overseer/pkg/fsutil"
)

// ProgressLog is an append-only, human-readable run log that is rotated into
// an archive file once it grows past MaxLines.
type ProgressLog struct {
	Path        string
	ArchivePath string
	MaxLines    int
	Keep        int

	now func() time.Time
}

// NewProgressLog creates a ProgressLog. A zero maxLines defaults to 500, and
// a keep outside [0, maxLines] defaults to 200.
func NewProgressLog(path, archive string, maxLines, keep int) *ProgressLog {
	if maxLines <= 0 {
		maxLines = 500
	}
	if keep < 0 || keep > maxLines {
		keep = 200
	}
	return &ProgressLog{
		Path:        path,
		ArchivePath: archive,
		MaxLines:    maxLines,
		Keep:        keep,
		now:         time.Now,
	}
}

// Append adds one line and rotates when needed.
func (p *ProgressLog) Append(line string) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(p.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	line = strings.TrimRight(line, "\n")
	_, werr := fmt.Fprintf(f, "%s %s\n", p.now().UTC().Format(time.RFC3339), line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write progress log: %w", werr)
	}

	_, err = p.Rotate()
	return err
}

// Rotate moves all but the last Keep lines into the archive when the log is
// longer than MaxLines. It returns the number of lines archived.
func (p *ProgressLog) Rotate() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	lines := bytes.SplitAfter(data, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) <= p.MaxLines {
		return 0, nil
	}

	cut := len(lines) - p.Keep
	head, tail := lines[:cut], lines[cut:]

	var archive bytes.Buffer
	fmt.Fprintf(&archive, "\n\n=== ARCHIVE %s (rotated %d lines) ===\n", p.now().UTC().Format("2006-01-02T15:04:05Z"), len(head))
	for _, l := range head {
		archive.Write(l)
	}

	if err := os.MkdirAll(filepath.Dir(p.ArchivePath), 0o755); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(p.ArchivePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open progress archive: %w", err)
	}
	_, werr := af.Write(archive.Bytes())
	if cerr := af.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return 0, fmt.Errorf("write progress archive: %w", werr)
	}

	if err := fsutil.WriteFileAtomic(p.Path, bytes.Join(tail, nil), 0o644); err != nil {
		return 0, fmt.Errorf("rewrite progress log: %w", err)
	}
	return len(head), nil
}
