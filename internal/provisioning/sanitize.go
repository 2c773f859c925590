package provisioning

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxNameCodePoints is the truncation bound spec.md §4.3 sets for bot
// names: "truncated on character boundaries to 64 code points (never
// byte-truncated)".
const MaxNameCodePoints = 64

// SanitizeBotName turns an arbitrary user-supplied title into a
// DNS-safe label: Unicode-normalized, diacritics stripped, lowercased,
// non-alphanumerics collapsed to single hyphens, and truncated on a
// rune boundary rather than a byte boundary. Adapted from the alias
// generator used for organization titles, generalized to bots.
func SanitizeBotName(raw string) (string, error) {
	stripDiacritics := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(stripDiacritics, raw)
	if err != nil {
		return "", fmt.Errorf("sanitize bot name: normalize: %w", err)
	}

	lowered := strings.ToLower(normalized)

	var b strings.Builder
	prevHyphen := false
	for _, r := range lowered {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevHyphen = false
		case !prevHyphen:
			b.WriteRune('-')
			prevHyphen = true
		}
	}

	name := strings.Trim(b.String(), "-")

	runesOf := []rune(name)
	if len(runesOf) > MaxNameCodePoints {
		name = strings.TrimRight(string(runesOf[:MaxNameCodePoints]), "-")
	}

	if len(name) < 1 {
		return "", fmt.Errorf("sanitize bot name: %q has no usable characters after sanitization", raw)
	}

	return name, nil
}
