// Package phone normalizes caller phone numbers to E.164.
package phone

import "strings"

// DefaultCountryCode is prefixed to bare 10-digit Indian mobile numbers.
const DefaultCountryCode = "+91"

// Normalize strips whitespace and punctuation and canonicalizes the number
// to E.164. A bare 10-digit Indian mobile gets the +91 country code; a
// 12-digit number starting with 91 gets a leading plus. Normalize is
// idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	n := b.String()
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "+") {
		return n
	}
	// Telephony providers often strip the plus; re-add it for known shapes.
	if len(n) == 12 && strings.HasPrefix(n, "91") {
		return "+" + n
	}
	if len(n) == 10 && n[0] >= '6' && n[0] <= '9' {
		return DefaultCountryCode + n
	}
	return "+" + n
}

// Equal reports whether two raw numbers refer to the same line after
// normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
