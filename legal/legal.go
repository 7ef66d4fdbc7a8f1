// Package legal is the legal knowledge store: statutes are chunked, embedded
// and kept in a similarity-searchable Store, and requirements retrieve the
// passages they should be judged against.
package legal

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// NoContextMarker is returned by Retrieve when nothing has been ingested, so
// prompts can tell missing grounding apart from an empty passage.
const NoContextMarker = "No legal context found."

// DefaultTopK is the number of passages retrieved per requirement.
const DefaultTopK = 5

// MMR defaults: candidates fetched per query, and the weight of relevance
// against diversity.
const (
	DefaultFetchK    = 20
	DefaultMMRLambda = 0.5
)

// Chunk is one embedded passage of a legal source.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Index     int       `json:"chunk_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// ChunkID returns the deterministic id of the index-th chunk of source.
// Re-ingesting a source reuses the ids, so upserts overwrite.
func ChunkID(source string, index int) string {
	return fmt.Sprintf("%s_%d", source, index)
}

// Metadata returns the citation metadata attached to the chunk.
func (c Chunk) Metadata() map[string]any {
	return map[string]any{
		"source":   c.Source,
		"chunk_id": c.Index,
	}
}

// Match is a chunk with its similarity to a query.
type Match struct {
	Chunk Chunk
	Score float64
}

// Store persists chunks and answers nearest-neighbour queries.
type Store interface {
	// Upsert inserts chunks, replacing any with the same ID.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to k chunks ordered by descending cosine similarity.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Embedder turns texts into vectors. Output order matches input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank scores chunks against query and returns the best k. Ties are broken
// by chunk ID so results are stable across stores.
func Rank(query []float32, chunks []Chunk, k int) []Match {
	if k <= 0 || len(chunks) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(chunks))
	for _, c := range chunks {
		matches = append(matches, Match{Chunk: c, Score: Cosine(query, c.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// MMR picks k of candidates by maximal marginal relevance: each step takes
// the candidate maximising lambda*relevance - (1-lambda)*redundancy, where
// relevance is the candidate's Score and redundancy its highest cosine to
// an already picked chunk. lambda 1 is plain ranking, 0 pure diversity.
// Candidates are expected in descending Score order; ties keep that order.
func MMR(candidates []Match, k int, lambda float64) []Match {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	picked := make([]Match, 0, k)
	used := make([]bool, len(candidates))
	// redundancy[i] is the max similarity of candidate i to the picked set.
	redundancy := make([]float64, len(candidates))

	for len(picked) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			score := lambda*c.Score - (1-lambda)*redundancy[i]
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		chosen := candidates[best]
		picked = append(picked, chosen)

		for i, c := range candidates {
			if used[i] {
				continue
			}
			if sim := Cosine(c.Chunk.Embedding, chosen.Chunk.Embedding); sim > redundancy[i] {
				redundancy[i] = sim
			}
		}
	}
	return picked
}
