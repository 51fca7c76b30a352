package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		want         string
		wantProgress bool
	}{
		{name: "plain text", raw: "plain text", want: "plain text"},
		{name: "progress update", raw: "#Building... 42%", want: "#Building... 42%", wantProgress: true},
		{name: "percent without hash", raw: "Building... 42%", want: "Building... 42%"},
		{name: "hash without percent", raw: "# comment", want: "# comment"},
		{name: "sgr color codes", raw: "\x1b[32mok\x1b[0m done", want: "ok done"},
		{name: "cursor hide caret encoding", raw: "^[[?25lcompiling^[[?25h", want: "compiling"},
		{name: "erase line caret encoding", raw: "^[[2K#Precompiling 10%", want: "#Precompiling 10%", wantProgress: true},
		{name: "caret carriage return", raw: "step one^M", want: "step one"},
		{name: "raw carriage return", raw: "step two\r", want: "step two"},
		{name: "rule collapses to one dash", raw: "──────── Maple ────", want: "- Maple -"},
		{name: "lone escape at end", raw: "tail\x1b", want: "tail"},
		{name: "empty", raw: "", want: ""},
		{name: "invalid utf8 alone", raw: "bad \xff\xfe utf8", want: "bad \xff\xfe utf8"},
		{name: "invalid utf8 beside escapes", raw: "bad \xff\xfe utf8 \x1b[0m", want: "bad \xff\xfe utf8 "},
		{name: "invalid byte inside colored text", raw: "\x1b[31mx\xffy\x1b[0m", want: "x\xffy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, progress := Line(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantProgress, progress)
		})
	}
}

func TestLineNeverLeavesControlBytes(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"\x1b[1;31m\x1b[Kerror\x1b[0m",
		"\x1b\x1b\x1b[2K",
		"^^[[2K[[2K──",
		"\x1b]0;title\x07text",
		"^[[?25l──^M\r",
	}
	for _, raw := range inputs {
		got, _ := Line(raw)
		assert.NotContains(t, got, "\x1b", "input %q", raw)
		assert.NotContains(t, got, "─", "input %q", raw)
		assert.NotContains(t, got, "\r", "input %q", raw)
		assert.False(t, strings.Contains(got, "^[[2K"), "input %q left %q", raw, got)
	}
}

func TestLineIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"plain text",
		"#Building... 42%",
		"\x1b[32mok\x1b[0m",
		"^^[[2K[[2Kx",
		"──a──",
		"^^MM",
		"\x1b\x1bxxxxxxxx",
		"bad \xff\xfe utf8 \x1b[0m",
	}
	for _, raw := range inputs {
		once, onceProgress := Line(raw)
		twice, twiceProgress := Line(once)
		assert.Equal(t, once, twice, "input %q", raw)
		assert.Equal(t, onceProgress, twiceProgress, "input %q", raw)
	}
}
