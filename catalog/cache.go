// Package catalog keeps the project index between runs: a JSON cache of
// FileIndex entries keyed by filename and content hash, evidence discovery,
// and a watcher that reports evidence changes while a session is open.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/storage"
)

// ErrCorruptCache is returned by Load when the cache file does not decode.
// The cache is left empty, forcing a rebuild.
var ErrCorruptCache = errors.New("corrupt catalog cache")

// Cache is the on-disk project index. Safe for concurrent use.
type Cache struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]audit.FileIndex
	dirty   bool
}

// NewCache creates an empty cache backed by path. Call Load to read it.
func NewCache(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		path:    path,
		logger:  logger,
		entries: make(map[string]audit.FileIndex),
	}
}

// Path returns the backing file.
func (c *Cache) Path() string {
	return c.path
}

// Load replaces the in-memory entries with the file contents. A missing file
// is an empty cache. A corrupt file logs a warning, empties the cache and
// returns an error wrapping ErrCorruptCache.
func (c *Cache) Load() error {
	var list []audit.FileIndex
	err := storage.ReadJSON(c.path, &list)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]audit.FileIndex, len(list))
	c.dirty = false

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrCorrupt):
		c.logger.Warn("Catalog cache is corrupt, rebuilding", "path", c.path, "error", err)
		return fmt.Errorf("%w: %w", ErrCorruptCache, err)
	case err != nil:
		return err
	}

	for _, f := range list {
		if f.Filename == "" {
			continue
		}
		c.entries[f.Filename] = f
	}
	return nil
}

// Lookup returns the cached index for name if it was built from content
// with the given hash. Legacy entries without a hash are accepted and
// backfilled with hash, marking the cache dirty.
func (c *Cache) Lookup(name, hash string) (audit.FileIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.entries[name]
	if !ok {
		return audit.FileIndex{}, false
	}
	if f.ContentHash == "" {
		f.ContentHash = hash
		c.entries[name] = f
		c.dirty = true
		return f, true
	}
	if f.ContentHash != hash {
		return audit.FileIndex{}, false
	}
	return f, true
}

// Get returns the entry for name regardless of hash.
func (c *Cache) Get(name string) (audit.FileIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.entries[name]
	return f, ok
}

// Put stores f under its filename.
func (c *Cache) Put(f audit.FileIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[f.Filename] = f
	c.dirty = true
}

// Delete removes name and reports whether it was present.
func (c *Cache) Delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return false
	}
	delete(c.entries, name)
	c.dirty = true
	return true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dirty reports whether the cache changed since the last Load or Save.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Entries returns every entry in filename order.
func (c *Cache) Entries() []audit.FileIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted()
}

func (c *Cache) sorted() []audit.FileIndex {
	list := make([]audit.FileIndex, 0, len(c.entries))
	for _, f := range c.entries {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Filename < list[j].Filename })
	return list
}

// Save rewrites the cache file with every entry in filename order.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := storage.WriteJSON(c.path, c.sorted()); err != nil {
		return fmt.Errorf("save catalog cache: %w", err)
	}
	c.dirty = false
	return nil
}
