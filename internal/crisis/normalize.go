package crisis

import (
	"strings"
	"unicode"
)

// Normalize lower-cases text, turns every rune that is not a letter, digit,
// underscore or whitespace into a space, collapses whitespace and trims.
func Normalize(text string) string {
	return fold(text, nil)
}

// patternText is the input of the regex pass. It keeps the substitution
// characters the obfuscation patterns match on ('@' for 'a', apostrophes).
func patternText(text string) string {
	return fold(text, func(r rune) bool { return r == '@' || r == '\'' || r == '’' })
}

func fold(text string, keep func(rune) bool) string {
	if text == "" {
		return ""
	}
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case keep != nil && keep(r):
			if r == '’' {
				return '\''
			}
			return r
		default:
			return ' '
		}
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
