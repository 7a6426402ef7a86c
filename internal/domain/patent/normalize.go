package patent

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// wsRE collapses any whitespace run to a single space.
	wsRE = regexp.MustCompile(`\s+`)

	// hyphenWrapRE matches a hyphenation wrap: a word character, a hyphen,
	// whitespace (possibly spanning a line break), then a word character.
	hyphenWrapRE = regexp.MustCompile(`(\w)-\s+(\w)`)
)

// NormalizeText canonicalizes grant text:
//
//	NFKC -> unescape HTML entities -> join hyphenation wraps ->
//	drop NUL bytes -> collapse whitespace -> trim.
//
// It is total and idempotent; nil-safe via the empty string.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = html.UnescapeString(s)
	s = hyphenWrapRE.ReplaceAllString(s, "${1}${2}")
	s = strings.ReplaceAll(s, "\x00", " ")
	s = wsRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SplitWithOverlap normalizes text and cuts it into ordered windows of at
// most maxChars characters, each window after the first starting overlap
// characters before the previous window's end. Before emitting a window that
// is not the last, the cut point snaps back to the nearest space in the
// second half of the window so pieces tend to end on word boundaries. All
// pieces are trimmed; empty input yields no pieces.
func SplitWithOverlap(text string, maxChars, overlap int) []string {
	text = NormalizeText(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + maxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			half := start + (end-start)/2
			for i := end - 1; i > half; i-- {
				if runes[i] == ' ' {
					end = i
					break
				}
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			// Degenerate parameters (overlap >= half the window); give up
			// the overlap rather than loop forever.
			next = end
		}
		start = next
	}
	return pieces
}
