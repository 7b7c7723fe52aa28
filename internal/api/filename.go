package api

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SecureFilename reduces an uploaded filename to a safe ASCII basename:
// accents are folded, path separators and whitespace collapse to '_', any
// byte outside [A-Za-z0-9_.-] is dropped and leading or trailing '.' and '_'
// are trimmed. The result may be empty.
func SecureFilename(name string) string {
	fold := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
	)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		return ""
	}

	folded = strings.NewReplacer("/", " ", `\`, " ").Replace(folded)
	joined := strings.Join(strings.Fields(folded), "_")

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, joined)
	return strings.Trim(cleaned, "._")
}
