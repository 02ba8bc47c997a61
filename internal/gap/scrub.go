package gap

import (
	"regexp"
	"strings"
)

// ansiPattern matches the color escape sequences GAP emits around results.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

const promptEcho = "gap> "

// scrubLine removes ANSI color sequences and trailing whitespace from one
// output line. Prompt echoes are stripped from stdout only; stderr carries
// none.
func scrubLine(line string, stripPrompt bool) string {
	line = ansiPattern.ReplaceAllString(line, "")
	if stripPrompt {
		line = strings.ReplaceAll(line, promptEcho, "")
	}
	return strings.TrimRight(line, " \t\r\n")
}
