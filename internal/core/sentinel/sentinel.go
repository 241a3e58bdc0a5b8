// Package sentinel parses the control lines a worker prints at the end of
// its transcript.
package sentinel

import (
	"regexp"
	"strings"
)

// Completion is the line a worker prints to claim every item is done.
const Completion = "<promise>COMPLETE</promise>"

var markPassRe = regexp.MustCompile(`^<mark_pass>([A-Za-z0-9._:/-]+)</mark_pass>$`)

// Result holds the sentinels found in the trailing block of a transcript.
type Result struct {
	Complete bool
	// MarkPass is the item id from a mark-pass sentinel, or "".
	MarkPass string
	// Stray counts sentinel-looking lines outside the trailing block. They
	// are never honoured.
	Stray int
}

// Parse extracts sentinels from transcript. A sentinel counts only as the
// exact, sole content of its line in the trailing block: the completion
// line must be last, and a mark-pass line must be last or directly before
// the completion line. A single final newline terminates the last line;
// anything else after a sentinel (more lines, spaces, a carriage return)
// means the sentinel is absent.
func Parse(transcript string) Result {
	var res Result
	if transcript == "" {
		return res
	}

	lines := strings.Split(strings.TrimSuffix(transcript, "\n"), "\n")
	end := len(lines)

	if lines[end-1] == Completion {
		res.Complete = true
		end--
	}
	if end > 0 {
		if m := markPassRe.FindStringSubmatch(lines[end-1]); m != nil {
			res.MarkPass = m[1]
			end--
		}
	}

	for _, l := range lines[:end] {
		if strings.Contains(l, "<promise>") || strings.Contains(l, "<mark_pass>") {
			res.Stray++
		}
	}
	return res
}
