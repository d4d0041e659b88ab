package vectorstore

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText drops lone UTF-16 surrogate halves from text before it is
// serialized for upsert. Crawled pages occasionally carry them, and they
// break JSON encoding on the store side. In Go they surface as invalid
// UTF-8 byte sequences, so sanitizing means removing exactly those bytes;
// valid surrogate pairs decode to a single rune and pass through untouched.
func SanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		b.WriteString(text[i : i+size])
		i += size
	}
	return b.String()
}
