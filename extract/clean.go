package extract

import (
	"regexp"
	"strings"
)

// CleanText normalises metadata text: it removes zero-width characters,
// collapses whitespace and trims.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(collapseWhitespace(text))
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return multiSpaceRe.ReplaceAllString(s, " ")
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseJSONLD decodes one JSON-LD script body. Bodies that fail strict
// decoding are retried with trailing commas and comment wrappers removed.
func ParseJSONLD(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	v, err := decodeJSON(raw)
	if err == nil {
		return v, nil
	}
	lenient := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(raw, "<!--"), "-->"))
	lenient = trailingComma.ReplaceAllString(lenient, "$1")
	if v, err2 := decodeJSON(lenient); err2 == nil {
		return v, nil
	}
	return nil, err
}
