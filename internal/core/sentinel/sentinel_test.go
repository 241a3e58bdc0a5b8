package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		transcript   string
		wantComplete bool
		wantMark     string
		wantStray    int
	}{
		{name: "empty"},
		{name: "no sentinels", transcript: "did some work\nall good\n"},
		{
			name:       "mark pass last line",
			transcript: "work\n<mark_pass>S1-003</mark_pass>\n",
			wantMark:   "S1-003",
		},
		{
			name:       "mark pass without final newline",
			transcript: "work\n<mark_pass>S1-003</mark_pass>",
			wantMark:   "S1-003",
		},
		{
			name:         "completion last line",
			transcript:   "work\n<promise>COMPLETE</promise>\n",
			wantComplete: true,
		},
		{
			name:         "mark pass then completion",
			transcript:   "work\n<mark_pass>A</mark_pass>\n<promise>COMPLETE</promise>\n",
			wantComplete: true,
			wantMark:     "A",
		},
		{
			name:       "completion before mark pass is not honoured",
			transcript: "work\n<promise>COMPLETE</promise>\n<mark_pass>A</mark_pass>\n",
			wantMark:   "A",
			wantStray:  1,
		},
		{
			name:       "trailing line after sentinel",
			transcript: "<mark_pass>A</mark_pass>\ndone\n",
			wantStray:  1,
		},
		{
			name:       "trailing blank line",
			transcript: "<mark_pass>A</mark_pass>\n\n",
			wantStray:  1,
		},
		{
			name:       "trailing whitespace",
			transcript: "<mark_pass>A</mark_pass> \n",
			wantStray:  1,
		},
		{
			name:       "leading whitespace",
			transcript: "  <promise>COMPLETE</promise>\n",
			wantStray:  1,
		},
		{
			name:       "carriage return",
			transcript: "<mark_pass>A</mark_pass>\r\n",
			wantStray:  1,
		},
		{
			name:       "inline mention",
			transcript: "I will print <mark_pass>A</mark_pass> when done\n",
			wantStray:  1,
		},
		{
			name:       "empty id",
			transcript: "<mark_pass></mark_pass>\n",
			wantStray:  1,
		},
		{
			name:       "two mark pass lines honours only the last",
			transcript: "<mark_pass>A</mark_pass>\n<mark_pass>B</mark_pass>\n",
			wantMark:   "B",
			wantStray:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.transcript)
			assert.Equal(t, tt.wantComplete, got.Complete)
			assert.Equal(t, tt.wantMark, got.MarkPass)
			assert.Equal(t, tt.wantStray, got.Stray)
		})
	}
}
