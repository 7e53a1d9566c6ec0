// Package sanitize provides contextual cleansing for text crossing a
// trust boundary: forum content entering prompts, generated content
// leaving for the storefront, and any external text written to the store.
package sanitize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Listing-context patterns. Each strips a fragment that would execute as
// HTML if the storefront rendered the text verbatim. Applied before
// entity-escaping, so hostile tags are removed outright rather than
// left behind as escaped text.
var (
	dangerousTagRE = regexp.MustCompile(`(?is)<\s*/?\s*(script|iframe|object|embed|form|base)\b[^>]*>`)
	onAttrRE       = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsSchemeRE     = regexp.MustCompile(`(?i)javascript\s*:`)
	dataHTMLRE     = regexp.MustCompile(`(?i)data\s*:\s*text/html`)
)

// Ingress cleans forum-sourced text before it is placed in a prompt.
// It strips ASCII control characters except LF, removes NUL, and decodes
// HTML entities. Meaningful punctuation is left alone. Idempotent.
func Ingress(s string) string {
	// Repeat until a pass changes nothing: decoding "&amp;lt;" exposes
	// another entity, which a single pass would leave for the next call.
	for {
		unescaped := html.UnescapeString(s)
		var b strings.Builder
		b.Grow(len(unescaped))
		for _, r := range unescaped {
			if r == 0 {
				continue
			}
			if r < 0x20 && r != '\n' {
				continue
			}
			if r == 0x7f {
				continue
			}
			b.WriteRune(r)
		}
		out := b.String()
		if out == s {
			return out
		}
		s = out
	}
}

// Listing cleans generated content before it is sent to the storefront.
// HTML entities are escaped and fragments that would execute as HTML are
// neutralized. Intentionally aggressive: raw HTML blocks in otherwise
// legitimate markdown are mangled.
func Listing(s string) string {
	s = dangerousTagRE.ReplaceAllString(s, "")
	s = onAttrRE.ReplaceAllString(s, "")
	s = jsSchemeRE.ReplaceAllString(s, "")
	s = dataHTMLRE.ReplaceAllString(s, "data-text-html")
	if needsEscape(s) {
		s = html.EscapeString(s)
	}
	return s
}

// needsEscape reports whether s still contains raw HTML metacharacters.
// Escaping only when needed keeps Listing idempotent: already escaped
// text contains no bare <, >, ", or ' and passes through unchanged.
func needsEscape(s string) bool {
	return strings.ContainsAny(s, `<>"'`)
}

// Store cleans externally-sourced text before a database write. NUL is
// stripped; invalid UTF-8 is rejected rather than repaired so a corrupt
// upstream payload is visible instead of silently mangled.
func Store(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("text is not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return s, nil
}
