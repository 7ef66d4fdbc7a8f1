// Package source reads evidence and legal documents into plain text.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/eiaudit/source/parser"
)

// DefaultMaxChars caps extracted text so one document cannot crowd the
// rest of a prompt out of the model context.
const DefaultMaxChars = 30000

// ErrorPrefix starts the placeholder text returned by ExtractText when a
// document cannot be read.
const ErrorPrefix = "Error reading PDF: "

// IsExtractionError reports whether text is the ExtractText failure placeholder.
func IsExtractionError(text string) bool {
	return strings.HasPrefix(text, ErrorPrefix)
}

// Usable reports whether text carries document content.
func Usable(text string) bool {
	return strings.TrimSpace(text) != "" && !IsExtractionError(text)
}

// Document is the extracted text of one file.
type Document struct {
	Path        string
	Filename    string
	Text        string
	Pages       int
	ContentHash string
	Truncated   bool
}

// Extractor reads documents through the parser registry.
type Extractor struct {
	// MaxChars limits the extracted text in runes. 0 means DefaultMaxChars,
	// a negative value disables the limit.
	MaxChars int

	parsers *parser.Registry
	logger  *slog.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithMaxChars sets the rune limit.
func WithMaxChars(n int) ExtractorOption {
	return func(e *Extractor) {
		e.MaxChars = n
	}
}

// WithParsers replaces the parser registry.
func WithParsers(r *parser.Registry) ExtractorOption {
	return func(e *Extractor) {
		e.parsers = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// NewExtractor creates an extractor with the default parsers.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		MaxChars: DefaultMaxChars,
		parsers:  parser.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractText returns the document text, or an ErrorPrefix placeholder if
// the file cannot be opened or parsed. It never fails.
func (e *Extractor) ExtractText(path string) string {
	text, err := e.Extract(path)
	if err != nil {
		return ErrorPrefix + err.Error()
	}
	return text
}

// Extract returns the document text: page texts each followed by a
// newline, truncated to MaxChars runes.
func (e *Extractor) Extract(path string) (string, error) {
	doc, err := e.Load(path)
	if err != nil {
		return "", err
	}
	return doc.Text, nil
}

// Load reads and parses the file at path.
func (e *Extractor) Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	pages, err := e.parsers.Pages(path, content)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, page := range pages {
		b.WriteString(page)
		b.WriteString("\n")
	}

	text, truncated := truncateRunes(b.String(), e.limit())
	if truncated {
		e.logger.Debug("Document text truncated", "file", filepath.Base(path), "max_chars", e.limit())
	}

	return &Document{
		Path:        path,
		Filename:    filepath.Base(path),
		Text:        text,
		Pages:       len(pages),
		ContentHash: ContentHash(content),
		Truncated:   truncated,
	}, nil
}

func (e *Extractor) limit() int {
	if e.MaxChars == 0 {
		return DefaultMaxChars
	}
	return e.MaxChars
}

// truncateRunes cuts s to at most n runes. n < 0 means no limit.
func truncateRunes(s string, n int) (string, bool) {
	if n < 0 || len(s) <= n {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}

// ContentHash returns the hex sha256 digest of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the ContentHash of the file at path.
func HashFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return ContentHash(content), nil
}
