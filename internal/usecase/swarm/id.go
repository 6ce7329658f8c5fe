package swarm

import (
	"fmt"
	"strings"
	"unicode"
)

// KebabID derives a lowercase kebab-case identifier from a display name.
// Runs of non-alphanumeric characters collapse to a single hyphen.
func KebabID(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// AllocateID returns a unique agent ID for the requested name. Collisions
// get deterministic suffixes -2, -3, ... so retries stay debuggable.
func AllocateID(name string, taken func(id string) bool) string {
	base := KebabID(name)
	if base == "" {
		base = "agent"
	}
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		id := fmt.Sprintf("%s-%d", base, n)
		if !taken(id) {
			return id
		}
	}
}
