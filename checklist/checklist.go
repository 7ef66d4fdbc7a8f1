// Package checklist loads the audit checklist, samples it for partial runs,
// and converts the spreadsheet export into checklist JSON.
package checklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"

	"github.com/c360studio/eiaudit/storage"
)

// ErrInvalid is wrapped by every checklist validation failure.
var ErrInvalid = errors.New("invalid checklist")

// Item is one audit requirement.
type Item struct {
	ID               string `json:"id"`
	Chapter          string `json:"chapter,omitempty"`
	Requirement      string `json:"requirement"`
	Criteria         string `json:"criteria,omitempty"`
	ExpectedEvidence string `json:"expected_evidence,omitempty"`
}

// Load reads and validates the checklist JSON array at path.
func Load(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checklist: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	if err := Validate(items); err != nil {
		return nil, err
	}
	return items, nil
}

// Validate rejects items without an id or requirement, and duplicate ids.
func Validate(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			return fmt.Errorf("%w: item %d has no id", ErrInvalid, i)
		}
		if strings.TrimSpace(it.Requirement) == "" {
			return fmt.Errorf("%w: %s has no requirement", ErrInvalid, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalid, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Save writes items as indented JSON.
func Save(path string, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	return storage.WriteJSON(path, items)
}

// Sort orders items by id. Equal ids keep their relative order.
func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}

// Sample returns a deterministic random subset of limit items, sorted by id.
// A limit of zero or less, or one covering every item, returns a sorted copy
// of all items.
func Sample(items []Item, limit int, seed uint64) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	if limit > 0 && limit < len(out) {
		r := rand.New(rand.NewPCG(seed, seed))
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:limit]
	}
	Sort(out)
	return out
}
