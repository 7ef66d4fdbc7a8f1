// Package chunker splits legal text into retrieval chunks.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Splitter cuts text into chunks. Implementations are stateless.
type Splitter interface {
	Split(text string) []string
}

// Default sizes, in characters.
const (
	DefaultArticleSize    = 2000
	DefaultArticleOverlap = 200
	DefaultFixedSize      = 1000
)

// LegalSeparators are tried in order: article, title and chapter headings
// of Ecuadorian statutes, then paragraphs, then words.
var LegalSeparators = []string{"\nArt.", "\nTITULO", "\nCAPITULO", "\n\n", " "}

// Config holds chunking configuration.
type Config struct {
	// Strategy is "article" (recursive, structure-aware) or "fixed".
	Strategy string `yaml:"strategy" json:"strategy"`

	// Size is the maximum chunk length in characters.
	Size int `yaml:"size" json:"size"`

	// Overlap is the number of trailing characters a chunk may share with
	// the next one. Article strategy only.
	Overlap int `yaml:"overlap" json:"overlap"`
}

// DefaultConfig returns the article-aware defaults.
func DefaultConfig() Config {
	return Config{
		Strategy: "article",
		Size:     DefaultArticleSize,
		Overlap:  DefaultArticleOverlap,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Strategy != "article" && c.Strategy != "fixed" {
		return fmt.Errorf("unknown chunking strategy %q", c.Strategy)
	}
	if c.Size <= 0 {
		return fmt.Errorf("size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("overlap (%d) must be in [0, size)", c.Overlap)
	}
	return nil
}

// New builds the splitter described by cfg.
func New(cfg Config) (Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == "fixed" {
		return Fixed{Size: cfg.Size}, nil
	}
	return Article{Size: cfg.Size, Overlap: cfg.Overlap, Separators: LegalSeparators}, nil
}

// Fixed slices text into consecutive, non-overlapping runs of Size characters.
type Fixed struct {
	Size int
}

// Split slices text. The last chunk may be shorter.
func (f Fixed) Split(text string) []string {
	size := f.Size
	if size <= 0 {
		size = DefaultFixedSize
	}
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// Article splits recursively on a ranked separator list, so a chunk ends
// at an article boundary when one fits, and only falls back to paragraph
// or word boundaries for long articles. Adjacent small pieces are merged
// up to Size, carrying up to Overlap characters into the next chunk.
// Separators stay attached to the piece they introduce.
type Article struct {
	Size       int
	Overlap    int
	Separators []string
}

// Split returns trimmed, non-empty chunks.
func (a Article) Split(text string) []string {
	size := a.Size
	if size <= 0 {
		size = DefaultArticleSize
	}
	seps := a.Separators
	if seps == nil {
		seps = LegalSeparators
	}
	s := splitter{size: size, overlap: min(max(a.Overlap, 0), size-1)}
	return s.split(text, seps)
}

type splitter struct {
	size    int
	overlap int
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}

func (s splitter) split(text string, separators []string) []string {
	sep, rest := "", []string(nil)
	for i, candidate := range separators {
		if strings.Contains(text, candidate) {
			sep, rest = candidate, separators[i+1:]
			break
		}
	}

	var out, pending []string
	flush := func() {
		if len(pending) > 0 {
			out = append(out, s.merge(pending)...)
			pending = nil
		}
	}

	for _, piece := range splitKeep(text, sep) {
		if length(piece) < s.size {
			pending = append(pending, piece)
			continue
		}
		flush()
		switch {
		case len(rest) > 0:
			out = append(out, s.split(piece, rest)...)
		default:
			out = append(out, hardCut(piece, s.size)...)
		}
	}
	flush()
	return out
}

// splitKeep splits text before each occurrence of sep, keeping sep at the
// start of the following piece. An empty sep returns text whole.
func splitKeep(text, sep string) []string {
	if sep == "" {
		return []string{text}
	}
	parts := strings.Split(text, sep)
	pieces := make([]string, 0, len(parts))
	if parts[0] != "" {
		pieces = append(pieces, parts[0])
	}
	for _, p := range parts[1:] {
		pieces = append(pieces, sep+p)
	}
	return pieces
}

// merge greedily packs pieces into chunks of at most size characters,
// seeding each new chunk with trailing pieces of the previous one that
// fit within the overlap.
func (s splitter) merge(pieces []string) []string {
	var chunks []string
	var window []string
	total := 0

	emit := func() {
		if c := strings.TrimSpace(strings.Join(window, "")); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, piece := range pieces {
		n := length(piece)
		if total+n > s.size && len(window) > 0 {
			emit()
			for total > s.overlap || (total+n > s.size && total > 0) {
				total -= length(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += n
	}
	emit()
	return chunks
}

// hardCut slices a piece with no usable separator.
func hardCut(piece string, size int) []string {
	var out []string
	for _, c := range (Fixed{Size: size}).Split(piece) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
