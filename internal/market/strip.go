// internal/market/strip.go
package market

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// leftoverTag matches anything still shaped like a tag once the tokenizer
// has run, e.g. "< b >", which HTML itself treats as text.
var leftoverTag = regexp.MustCompile(`<[^<>]+>`)

// StripHTML removes markup from s and keeps its text. Tags, comments and
// doctypes are dropped, as is the content of script and style elements.
// Entities are kept verbatim.
//
// The result never contains a "<...>" sequence and StripHTML(StripHTML(s))
// == StripHTML(s) for every input, including malformed markup.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	// Each pass only removes bytes, so this terminates; the result is a
	// fixed point, which is what makes the function idempotent.
	for {
		next := leftoverTag.ReplaceAllString(stripTags(s), "")
		if next == s {
			return s
		}
		s = next
	}
}

// stripTags concatenates the raw text tokens of s. Markup cut off by the
// end of input ("price <b", "a <!-- b") is not markup and is kept as text.
func stripTags(s string) string {
	var (
		b    strings.Builder
		skip string
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF is the only error a strings.Reader can produce. Raw holds
			// whatever unterminated tag the tokenizer was still reading.
			if skip == "" {
				b.Write(z.Raw())
			}
			return b.String()
		case html.TextToken:
			if skip == "" {
				b.Write(z.Raw())
			}
		case html.CommentToken, html.DoctypeToken:
			// The tokenizer closes these implicitly at EOF.
			if raw := z.Raw(); skip == "" && !bytes.HasSuffix(raw, []byte(">")) {
				b.Write(raw)
			}
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTextElement(string(name)) {
				skip = string(name)
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == skip {
				skip = ""
			}
		}
	}
}

func isRawTextElement(name string) bool {
	return name == "script" || name == "style"
}
