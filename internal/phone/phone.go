// Package phone normalizes phone numbers into canonical keys and
// fingerprints contact sets for sync short-circuiting.
package phone

import "strings"

// NormalizeKey reduces a phone number to its canonical digit key.
// Formatting characters, the international prefix marker and leading
// zeros are all insignificant: "+1 (555) 010-2000", "1 555 010 2000"
// and "015550102000" key identically. Returns "" for input with no
// digits.
func NormalizeKey(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	key := b.String()
	return strings.TrimLeft(key, "0")
}

// SameNumber reports whether two raw phone numbers refer to the same
// subscriber under key normalization.
func SameNumber(a, b string) bool {
	ka, kb := NormalizeKey(a), NormalizeKey(b)
	return ka != "" && ka == kb
}
