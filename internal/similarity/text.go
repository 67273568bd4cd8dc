package similarity

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// fuzzyDistanceLimit is the maximum edit distance, after common prefix and
// suffix stripping, for two words to count as a fuzzy match.
const fuzzyDistanceLimit = 2

// normalizeWords lowercases, strips punctuation and drops words of one or
// two characters, returning the remaining word set.
func normalizeWords(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

// JaccardSimilarity is the intersection-over-union of the two normalized
// word sets. Two empty titles score 0, not 1: no evidence is not a match.
func JaccardSimilarity(a, b string) float64 {
	setA := normalizeWords(a)
	setB := normalizeWords(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// TextSimilarity scores two titles for the secondary (non-vector) matching
// flow: the max of exact Jaccard overlap and a fuzzy-match ratio that
// tolerates small misspellings.
func TextSimilarity(a, b string) float64 {
	exact := JaccardSimilarity(a, b)

	setA := normalizeWords(a)
	setB := normalizeWords(b)
	if len(setA) == 0 || len(setB) == 0 {
		return exact
	}

	matched := 0
	for wa := range setA {
		for wb := range setB {
			if fuzzyWordMatch(wa, wb) {
				matched++
				break
			}
		}
	}
	larger := len(setA)
	if len(setB) > larger {
		larger = len(setB)
	}
	fuzzy := float64(matched) / float64(larger)

	if fuzzy > exact {
		return fuzzy
	}
	return exact
}

// fuzzyWordMatch strips the words' common prefix and suffix, then accepts
// an edit distance of at most fuzzyDistanceLimit on what remains.
func fuzzyWordMatch(a, b string) bool {
	if a == b {
		return true
	}

	// Common prefix.
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	a, b = a[i:], b[i:]

	// Common suffix.
	j := 0
	for j < len(a) && j < len(b) && a[len(a)-1-j] == b[len(b)-1-j] {
		j++
	}
	a, b = a[:len(a)-j], b[:len(b)-j]

	return levenshtein.ComputeDistance(a, b) <= fuzzyDistanceLimit
}
