// Package fuzzy scores how alike two device names are.
//
// Both inputs are reduced to their case-folded letters and digits before an
// edit distance is taken, so "Living-Room Light" and "living room light"
// compare as identical.
package fuzzy

import (
	"strings"
	"unicode"
)

// Similarity returns 1 - editDistance/maxLen over the reduced forms of a and
// b. The result is always in [0, 1]. Two inputs that both reduce to nothing
// are a degenerate non-match and score 0.
func Similarity(a, b string) float64 {
	ra := reduce(a)
	rb := reduce(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 0
	}
	dist := levenshtein(ra, rb)
	return 1 - float64(dist)/float64(longest)
}

// Best returns the highest similarity between name and any roster entry,
// together with the roster entry that produced it. An empty roster or an
// empty name yields (0, "").
func Best(name string, roster []string) (float64, string) {
	if name == "" {
		return 0, ""
	}
	var (
		best  float64
		match string
	)
	for _, candidate := range roster {
		if s := Similarity(name, candidate); s > best {
			best = s
			match = candidate
		}
	}
	return best, match
}

// Normalize exposes the reduction used by Similarity.
func Normalize(s string) string {
	return string(reduce(s))
}

func reduce(s string) []rune {
	out := make([]rune, 0, len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	return out
}

// levenshtein uses the two-row formulation.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
