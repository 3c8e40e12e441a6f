package normalization

import (
	"strings"
)

// Key normalizes a raw entity name into its canonical lookup key:
// lowercased, trimmed, inner whitespace runs collapsed to single spaces.
// Applying Key to its own output returns the same string.
func Key(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}
