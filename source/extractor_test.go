package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractor_JoinsPages(t *testing.T) {
	path := writeFile(t, t.TempDir(), "Chapter_3.txt", "Metodología\fTabla 3.1 Calidad del agua")

	doc, err := NewExtractor().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Metodología\nTabla 3.1 Calidad del agua\n", doc.Text)
	assert.Equal(t, "Chapter_3.txt", doc.Filename)
	assert.Equal(t, 2, doc.Pages)
	assert.False(t, doc.Truncated)
	assert.Len(t, doc.ContentHash, 64)
}

func TestExtractor_TruncatesRunes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "big.txt", strings.Repeat("ñ", 50))

	e := NewExtractor(WithMaxChars(10))
	text, err := e.Extract(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ñ", 10), text)

	unlimited := NewExtractor(WithMaxChars(-1))
	text, err = unlimited.Extract(path)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ñ", 50)+"\n", text)
}

func TestExtractor_DefaultLimit(t *testing.T) {
	path := writeFile(t, t.TempDir(), "huge.txt", strings.Repeat("a", DefaultMaxChars+500))

	doc, err := NewExtractor().Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Text, DefaultMaxChars)
	assert.True(t, doc.Truncated)
}

func TestExtractor_ExtractTextPlaceholder(t *testing.T) {
	dir := t.TempDir()
	e := NewExtractor()

	t.Run("missing file", func(t *testing.T) {
		text := e.ExtractText(filepath.Join(dir, "nope.pdf"))
		assert.True(t, IsExtractionError(text))
		assert.False(t, Usable(text))
	})

	t.Run("corrupt pdf", func(t *testing.T) {
		path := writeFile(t, dir, "File_Error.pdf", "this is not a pdf")
		text := e.ExtractText(path)
		assert.True(t, strings.HasPrefix(text, "Error reading PDF: "))
	})

	t.Run("unsupported type", func(t *testing.T) {
		path := writeFile(t, dir, "scan.tiff", "II*")
		assert.True(t, IsExtractionError(e.ExtractText(path)))
	})
}

func TestUsable(t *testing.T) {
	assert.True(t, Usable("Art. 1"))
	assert.False(t, Usable("  \n "))
	assert.False(t, Usable(ErrorPrefix+"boom"))
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("annex"))
	assert.Equal(t, a, ContentHash([]byte("annex")))
	assert.NotEqual(t, a, ContentHash([]byte("annex2")))

	path := writeFile(t, t.TempDir(), "a.txt", "annex")
	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, a, h)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
