package phone

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint computes a stable digest over a set of raw phone numbers.
// Numbers are normalized and sorted first, so ordering, formatting and
// duplicates in the input do not change the result. An empty set has a
// well-defined (non-empty) digest.
func Fingerprint(numbers []string) string {
	keys := make([]string, 0, len(numbers))
	seen := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		k := NormalizeKey(n)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
