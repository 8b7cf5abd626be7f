package version

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/mod/semver"
)

// Diff returns the changed lines between two versions of a file, prefixed
// with "-" and "+".
func Diff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}

// IsSemverLike reports whether v parses as a semantic version, with or
// without a leading "v". Local versions such as 1.2.0+3.gabcdef1 qualify.
func IsSemverLike(v string) bool {
	return semver.IsValid("v" + strings.TrimPrefix(v, "v"))
}
