package sanitize

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var htmlPolicy = bluemonday.StrictPolicy()

// Title sanitizes a display title from untrusted input: HTML tags are
// stripped, entities decoded, control characters removed, and the
// result trimmed and capped at maxLen.
func Title(s string, maxLen int) string {
	s = htmlPolicy.Sanitize(s)
	// bluemonday escapes special characters on the way out.
	s = html.UnescapeString(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
