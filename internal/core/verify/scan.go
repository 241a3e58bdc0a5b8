package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	signaturePrefix = "VERIFY_SH_SHA="
	modePrefix      = "VERIFY_MODE="
)

// logScanner copies output to an underlying writer while tracking the
// signature and mode lines and keeping a ring of the last lines.
type logScanner struct {
	w         io.Writer
	partial   []byte
	ring      []string
	next      int
	full      bool
	signature string
	mode      string
}

func newLogScanner(w io.Writer, tail int) *logScanner {
	return &logScanner{w: w, ring: make([]string, tail)}
}

func (s *logScanner) Write(p []byte) (int, error) {
	if _, err := s.w.Write(p); err != nil {
		return 0, err
	}

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.line(string(s.partial[:i]))
		s.partial = s.partial[i+1:]
	}
	return len(p), nil
}

// Flush processes a final line that had no trailing newline.
func (s *logScanner) Flush() {
	if len(s.partial) > 0 {
		s.line(string(s.partial))
		s.partial = nil
	}
}

func (s *logScanner) line(l string) {
	l = strings.TrimRight(l, "\r")

	trimmed := strings.TrimSpace(l)
	switch {
	case strings.HasPrefix(trimmed, signaturePrefix):
		s.signature = strings.TrimSpace(strings.TrimPrefix(trimmed, signaturePrefix))
	case strings.HasPrefix(trimmed, modePrefix):
		s.mode = strings.TrimSpace(strings.TrimPrefix(trimmed, modePrefix))
	}

	if len(s.ring) == 0 {
		return
	}
	s.ring[s.next] = l
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

// Tail returns the retained lines, oldest first.
func (s *logScanner) Tail() []string {
	if !s.full {
		return append([]string(nil), s.ring[:s.next]...)
	}
	out := make([]string, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// FailureSignature hashes the tail of a failing verification log. Two
// failures with identical tails are the same failure.
func FailureSignature(tail []string) string {
	sum := sha256.Sum256([]byte(strings.Join(tail, "\n")))
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
