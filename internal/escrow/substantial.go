package escrow

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinSubstantialLength is the minimum normalized length, in characters, of a
// creator message that counts as an answer.
const MinSubstantialLength = 30

// NormalizeBody collapses whitespace runs to a single space and trims.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// IsSubstantial reports whether a creator message is a real answer: at least
// MinSubstantialLength characters after normalization and at least one letter.
// Short acknowledgements must never release funds.
func IsSubstantial(body string) bool {
	norm := NormalizeBody(body)
	if utf8.RuneCountInString(norm) < MinSubstantialLength {
		return false
	}
	return strings.IndexFunc(norm, unicode.IsLetter) >= 0
}
