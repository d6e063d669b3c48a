package crisis

import (
	"strings"
	"unicode/utf8"
)

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1]
				continue
			}
			curr[j] = 1 + min(prev[j-1], prev[j], curr[j-1])
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

type keyPhrase struct {
	text  string
	words int
}

// fuzzyMatch reports whether any token (single-word phrase) or any window of
// len(phrase words) tokens lies within the distance and ratio limits.
func (d *Detector) fuzzyMatch(tokens []string, kp keyPhrase) bool {
	if kp.words == 1 {
		for _, tok := range tokens {
			if utf8.RuneCountInString(tok) < d.opts.MinTokenLength {
				continue
			}
			if d.withinLimits(tok, kp.text, d.opts.FuzzyThreshold) {
				return true
			}
		}
		return false
	}

	limit := d.opts.FuzzyThreshold * kp.words
	for i := 0; i+kp.words <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+kp.words], " ")
		if d.withinLimits(window, kp.text, limit) {
			return true
		}
	}
	return false
}

func (d *Detector) withinLimits(candidate, pattern string, limit int) bool {
	dist := Levenshtein(candidate, pattern)
	if dist > limit {
		return false
	}
	maxLen := max(utf8.RuneCountInString(candidate), utf8.RuneCountInString(pattern))
	if maxLen == 0 {
		return false
	}
	return float64(dist)/float64(maxLen) <= d.opts.FuzzyMaxRatio
}
