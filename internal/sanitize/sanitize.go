// Package sanitize cleans interpreter output lines for display.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	// controlPattern matches escape remnants ansi.Strip leaves behind: a bare ESC with
	// up to four trailing bytes, caret-encoded cursor show/hide and erase-line codes,
	// caret-encoded carriage returns and raw carriage returns.
	controlPattern = regexp.MustCompile(`\x1b.{0,4}|\^\[\[.25.|\^\[\[2K|\^M|\r`)

	// rulePattern matches runs of the box-drawing horizontal rule.
	rulePattern = regexp.MustCompile(`─+`)
)

// Line strips terminal control sequences from raw, collapses decorative rules to a
// single dash and reports whether the result is a single-line progress update.
func Line(raw string) (string, bool) {
	clean := raw
	for {
		next := strip(clean)
		if next == clean {
			break
		}
		clean = next
	}
	return clean, IsProgress(clean)
}

// IsProgress reports whether line follows the "#... NN%" overwrite convention.
func IsProgress(line string) bool {
	return strings.HasPrefix(line, "#") && strings.HasSuffix(line, "%")
}

func strip(line string) string {
	line = stripEscapes(line)
	line = controlPattern.ReplaceAllString(line, "")
	return rulePattern.ReplaceAllString(line, "-")
}

// stripEscapes runs ansi.Strip over the valid UTF-8 stretches of line only, so
// invalid bytes, which ansi.Strip would drop, are kept as they are.
func stripEscapes(line string) string {
	if !strings.ContainsRune(line, '\x1b') {
		return line
	}
	if utf8.ValidString(line) {
		return ansi.Strip(line)
	}

	var b strings.Builder
	b.Grow(len(line))
	start := 0
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteString(ansi.Strip(line[start:i]))
			b.WriteByte(line[i])
			start = i + 1
		}
		i += size
	}
	b.WriteString(ansi.Strip(line[start:]))
	return b.String()
}
