package analyzer

import (
	"strings"
	"unicode"
)

// Fold strips English plural suffixes so that "revenues" and "revenue" index
// to the same term. Terms carrying digits (tickers, form types, figures) are
// left untouched.
func Fold(word string) string {
	if len(word) <= 3 || strings.IndexFunc(word, unicode.IsDigit) >= 0 {
		return word
	}
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 4:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "sses"):
		return word[:len(word)-2]
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"), strings.HasSuffix(word, "is"):
		return word
	case strings.HasSuffix(word, "s"):
		return word[:len(word)-1]
	}
	return word
}
