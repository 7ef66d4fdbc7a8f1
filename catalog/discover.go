package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern matches the PDFs directly inside the evidence folder.
const DefaultPattern = "*.pdf"

// Discover returns the regular files under dir matching pattern, sorted by
// path. The pattern is relative to dir and supports "**" for recursion.
func Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("evidence folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("evidence folder %s is not a directory", dir)
	}

	// Use doublestar for ** support
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}

	var files []string
	for _, m := range matches {
		path := filepath.Join(dir, filepath.FromSlash(m))
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// Match reports whether the basename of path matches pattern's final element.
// The watcher uses it to filter events.
func Match(pattern, path string) bool {
	if pattern == "" {
		pattern = DefaultPattern
	}
	ok, err := doublestar.Match(filepath.ToSlash(filepath.Base(pattern)), filepath.Base(path))
	return err == nil && ok
}
