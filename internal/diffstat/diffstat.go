// Package diffstat counts inserted and deleted lines between two versions of a file.
package diffstat

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Stat is a line-level change summary.
type Stat struct {
	Added   int
	Removed int
}

// Lines compares old and new line by line.
func Lines(oldText, newText string) Stat {
	if oldText == newText {
		return Stat{}
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var st Stat
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			st.Added += n
		case diffmatchpatch.DiffDelete:
			st.Removed += n
		}
	}
	return st
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
