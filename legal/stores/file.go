// Package stores provides legal.Store backends: a JSON file for local runs,
// Redis and PostgreSQL for shared deployments. Every backend ranks by
// brute-force cosine similarity; legal corpora are a few thousand chunks.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/storage"
)

var _ legal.Store = (*FileStore)(nil)

// DefaultFileName is the chunk file created under the store directory.
const DefaultFileName = "legal_chunks.json"

// FileStore keeps every chunk in memory and rewrites the backing JSON file
// atomically after each upsert.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	chunks map[string]legal.Chunk
}

// OpenFileStore loads the store at path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, chunks: make(map[string]legal.Chunk)}

	var list []legal.Chunk
	err := storage.ReadJSON(path, &list)
	if errors.Is(err, storage.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open legal store: %w", err)
	}
	for _, c := range list {
		s.chunks[c.ID] = c
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Upsert(ctx context.Context, chunks []legal.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]legal.Chunk, len(chunks))
	for _, c := range chunks {
		if old, ok := s.chunks[c.ID]; ok {
			prev[c.ID] = old
		}
		s.chunks[c.ID] = c
	}

	if err := s.save(); err != nil {
		// Keep memory consistent with disk.
		for _, c := range chunks {
			if old, ok := prev[c.ID]; ok {
				s.chunks[c.ID] = old
			} else {
				delete(s.chunks, c.ID)
			}
		}
		return err
	}
	return nil
}

func (s *FileStore) Search(ctx context.Context, query []float32, k int) ([]legal.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]legal.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		all = append(all, c)
	}
	return legal.Rank(query, all, k), nil
}

func (s *FileStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

func (s *FileStore) Close() error {
	return nil
}

// save writes chunks in id order to a temp file and renames it over the store.
func (s *FileStore) save() error {
	list := make([]legal.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	return storage.WriteAtomic(s.path, data)
}
