// Package helpers holds small formatting and validation utilities shared by
// the research pipeline.
package helpers

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Source is one cited reference: a title and URL pair.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// ExtractCitations returns the distinct numeric citation indices appearing
// in a markdown body, in ascending order.
func ExtractCitations(markdown string) []int {
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(markdown, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seen[n] = true
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ValidateCitations checks that every inline [n] in the markdown refers to
// an entry in the source list. Returns the out-of-range indices.
func ValidateCitations(markdown string, sources []Source) []int {
	var bad []int
	for _, n := range ExtractCitations(markdown) {
		if n < 1 || n > len(sources) {
			bad = append(bad, n)
		}
	}
	return bad
}

// CitationOrder returns the distinct citation indices in order of first
// appearance in the markdown body.
func CitationOrder(markdown string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range citationPattern.FindAllStringSubmatch(markdown, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// RenumberCitations rewrites every [old] marker to [new] per the mapping.
// Indices absent from the mapping are removed from the text.
func RenumberCitations(markdown string, mapping map[int]int) string {
	return citationPattern.ReplaceAllStringFunc(markdown, func(m string) string {
		n, err := strconv.Atoi(strings.Trim(m, "[]"))
		if err != nil {
			return m
		}
		if repl, ok := mapping[n]; ok {
			return fmt.Sprintf("[%d]", repl)
		}
		return ""
	})
}

// FormatSourceList renders a numbered markdown source list.
func FormatSourceList(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for i, s := range sources {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = s.URL
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, title, s.URL)
	}
	return b.String()
}

// DedupeSources removes duplicate URLs while preserving first-seen order.
func DedupeSources(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	return out
}
