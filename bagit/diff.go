package bagit

import (
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// ManifestDiff renders a unified diff between two manifests (or any two
// tag files), labelled with the given names. Identical inputs give the
// empty string.
func ManifestDiff(fromName, from, toName, to string) (string, error) {
	if from == to {
		return "", nil
	}
	u := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(from),
		B:        splitLinesKeepNL(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(u)
}

// splitLinesKeepNL splits s into lines each ending with "\n". A last line
// without a newline gets one, so it diffs cleanly.
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}
