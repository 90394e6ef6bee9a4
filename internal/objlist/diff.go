package objlist

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineDiff compares two manifests line by line. It returns the number of
// added plus removed lines and a unified-style rendering of the changes.
func LineDiff(previous, current string) (changed int, text string) {
	if previous == current {
		return 0, ""
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(previous, current)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			prefix = " "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			if prefix != " " {
				changed++
			}
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSuffix(line, "\n"))
			sb.WriteByte('\n')
		}
	}
	return changed, sb.String()
}
