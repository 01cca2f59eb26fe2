package dedup

import (
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes,
// clamped to [0, 1]. Identical strings, including two empty ones, score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	score := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func withinLengthTolerance(a, b string, tolerance float64) bool {
	la := float64(utf8.RuneCountInString(a))
	lb := float64(utf8.RuneCountInString(b))
	if la == 0 || lb == 0 {
		return la == lb
	}
	return lb >= la*(1-tolerance) && lb <= la*(1+tolerance)
}
