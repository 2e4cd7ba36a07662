// Package slug converts free-form titles into identifiers safe for scratch
// file names and object keys.
package slug

import (
	"regexp"
	"strings"
)

// disallowedRe matches every character outside the safe set. Podcast and
// episode titles routinely carry punctuation, emoji, and path separators.
var disallowedRe = regexp.MustCompile(`[^A-Za-z0-9\-_]+`)

// multiSep collapses runs of separators left behind by the replacement.
var multiSep = regexp.MustCompile(`[-_]{2,}`)

// Make converts an arbitrary title into a slug containing only alphanumeric
// characters, dashes, and underscores. Whitespace becomes underscores,
// everything else unsafe becomes a dash, runs of separators collapse, and
// the result is truncated to maxLen bytes (defaults to 80 when maxLen <= 0).
func Make(title string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 80
	}

	s := strings.TrimSpace(title)
	if s == "" {
		return ""
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)

	s = disallowedRe.ReplaceAllString(s, "-")
	s = multiSep.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-_")

	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.TrimRight(s, "-_")
	}

	return s
}
