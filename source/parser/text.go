package parser

import (
	"strings"
	"unicode/utf8"
)

// TextParser reads UTF-8 text files. Form feeds separate pages, which is
// how pdftotext and similar converters mark page breaks.
type TextParser struct{}

// NewTextParser creates a new plain-text parser.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Pages splits content on form feeds. Invalid UTF-8 is replaced.
func (p *TextParser) Pages(content []byte) ([]string, error) {
	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return strings.Split(text, "\f"), nil
}

// CanParse reports whether the MIME type is a text format.
func (p *TextParser) CanParse(mimeType string) bool {
	return mimeType == "text/plain" || mimeType == "text/markdown"
}

// MimeType returns the primary MIME type for this parser.
func (p *TextParser) MimeType() string {
	return "text/plain"
}
