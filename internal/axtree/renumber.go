package axtree

import (
	"regexp"
	"strconv"
	"strings"
)

// markerPattern matches "[12] " and "[3-45] ". The trailing space is part of
// the marker so bracketed text like "[12]x" or "[a1] " is left alone.
var markerPattern = regexp.MustCompile(`\[(\d+(?:-\d+)?)\] `)

// Result is a renumbered tree plus locators aligned with its markers.
type Result struct {
	Tree string `json:"tree"`
	// Locators[i] belongs to marker [i]; nil when the original id had no locator.
	Locators []*string `json:"locators"`
}

// Renumber rewrites every marker in tree to its 0-based position and looks up
// each marker's locator by its original id. Everything outside the markers is
// copied verbatim.
func Renumber(tree string, locators map[string]string) Result {
	matches := markerPattern.FindAllStringSubmatchIndex(tree, -1)
	res := Result{Locators: make([]*string, 0, len(matches))}
	if len(matches) == 0 {
		res.Tree = tree
		return res
	}

	var b strings.Builder
	b.Grow(len(tree))
	prev := 0
	for i, m := range matches {
		// m[0]:m[1] is the whole marker, m[2]:m[3] the id inside the brackets.
		id := tree[m[2]:m[3]]
		b.WriteString(tree[prev:m[0]])
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(i))
		b.WriteString("] ")
		prev = m[1]

		if loc, ok := locators[id]; ok {
			loc := loc
			res.Locators = append(res.Locators, &loc)
		} else {
			res.Locators = append(res.Locators, nil)
		}
	}
	b.WriteString(tree[prev:])
	res.Tree = b.String()
	return res
}

// MarkerIDs returns the original ids of all markers in encounter order.
func MarkerIDs(tree string) []string {
	matches := markerPattern.FindAllStringSubmatch(tree, -1)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	return ids
}

// IsGroupingID reports whether id is a hyphenated grouping id that never
// carries a locator of its own.
func IsGroupingID(id string) bool {
	return strings.Contains(id, "-")
}
