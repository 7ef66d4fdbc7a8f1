package legal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/eiaudit/source/chunker"
)

// Ingestion pacing defaults.
const (
	DefaultBatchSize  = 20
	DefaultBatchDelay = 2 * time.Second
	DefaultRetryDelay = 60 * time.Second
)

// KnowledgeBase ingests legal texts into a Store and retrieves passages
// for a query.
type KnowledgeBase struct {
	store      Store
	embedder   Embedder
	splitter   chunker.Splitter
	logger     *slog.Logger
	batchSize  int
	batchDelay time.Duration
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	// mmr re-ranks fetchK similarity candidates for diversity.
	mmr    bool
	fetchK int
	lambda float64
}

// Option configures a KnowledgeBase.
type Option func(*KnowledgeBase)

// WithSplitter replaces the article-aware default splitter.
func WithSplitter(s chunker.Splitter) Option {
	return func(kb *KnowledgeBase) {
		kb.splitter = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(kb *KnowledgeBase) {
		kb.logger = logger
	}
}

// WithBatching sets the embedding batch size, the pause between batches and
// the pause before retrying a failed batch. Zero values keep the defaults.
func WithBatching(size int, delay, retryDelay time.Duration) Option {
	return func(kb *KnowledgeBase) {
		if size > 0 {
			kb.batchSize = size
		}
		if delay > 0 {
			kb.batchDelay = delay
		}
		if retryDelay > 0 {
			kb.retryDelay = retryDelay
		}
	}
}

// WithMMR makes Retrieve fetch fetchK candidates and keep a diverse top k
// of them by maximal marginal relevance. Zero values use DefaultFetchK and
// DefaultMMRLambda.
func WithMMR(fetchK int, lambda float64) Option {
	return func(kb *KnowledgeBase) {
		kb.mmr = true
		kb.fetchK = DefaultFetchK
		kb.lambda = DefaultMMRLambda
		if fetchK > 0 {
			kb.fetchK = fetchK
		}
		if lambda > 0 {
			kb.lambda = lambda
		}
	}
}

// WithSleep replaces the pacing sleep. Tests use it to run without delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(kb *KnowledgeBase) {
		kb.sleep = sleep
	}
}

// NewKnowledgeBase creates a knowledge base over store, embedding with embedder.
func NewKnowledgeBase(store Store, embedder Embedder, opts ...Option) *KnowledgeBase {
	kb := &KnowledgeBase{
		store:    store,
		embedder: embedder,
		splitter: chunker.Article{
			Size:       chunker.DefaultArticleSize,
			Overlap:    chunker.DefaultArticleOverlap,
			Separators: chunker.LegalSeparators,
		},
		logger:     slog.Default(),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(kb)
	}
	return kb
}

// Count returns the number of stored chunks.
func (kb *KnowledgeBase) Count(ctx context.Context) (int, error) {
	return kb.store.Count(ctx)
}

// Ingest splits text, embeds the chunks batch by batch and upserts them
// under ids "<source>_<index>". It returns the number of chunks stored.
//
// A failed batch is retried once after the retry delay; a second failure
// abandons that batch and ingestion continues with the next one. Only
// cancellation, or losing every batch, is reported as an error.
func (kb *KnowledgeBase) Ingest(ctx context.Context, text, source string) (int, error) {
	pieces := kb.splitter.Split(text)
	if len(pieces) == 0 {
		return 0, nil
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:      ChunkID(source, i),
			Source:  source,
			Index:   i,
			Content: p,
		}
	}

	var (
		stored  int
		failed  int
		lastErr error
	)
	for start := 0; start < len(chunks); start += kb.batchSize {
		end := min(start+kb.batchSize, len(chunks))
		batch := chunks[start:end]

		if start > 0 {
			if err := kb.sleep(ctx, kb.batchDelay); err != nil {
				return stored, err
			}
		}

		err := kb.ingestBatch(ctx, batch)
		if err != nil && ctx.Err() == nil {
			kb.logger.Warn("Legal batch failed, retrying after delay",
				"source", source,
				"batch_start", start,
				"retry_delay", kb.retryDelay,
				"error", err)
			if serr := kb.sleep(ctx, kb.retryDelay); serr != nil {
				return stored, serr
			}
			err = kb.ingestBatch(ctx, batch)
		}
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}
		if err != nil {
			failed++
			lastErr = err
			kb.logger.Error("Legal batch abandoned",
				"source", source,
				"batch_start", start,
				"chunks", len(batch),
				"error", err)
			continue
		}
		stored += len(batch)
	}

	if stored == 0 && failed > 0 {
		return 0, fmt.Errorf("no chunks stored for %s: %w", source, lastErr)
	}

	kb.logger.Info("Legal source ingested",
		"source", source,
		"chunks", stored,
		"abandoned_batches", failed)
	return stored, nil
}

func (kb *KnowledgeBase) ingestBatch(ctx context.Context, batch []Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, err := kb.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed: got %d vectors for %d texts", len(vectors), len(batch))
	}

	embedded := make([]Chunk, len(batch))
	for i, c := range batch {
		c.Embedding = vectors[i]
		embedded[i] = c
	}
	if err := kb.store.Upsert(ctx, embedded); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Retrieve returns the k passages most similar to query, each formatted as
// "Source: <source>\n<content>" and separated by blank lines. An empty store
// yields NoContextMarker. k <= 0 uses DefaultTopK. With WithMMR the k
// passages are a diverse pick among the fetchK most similar.
func (kb *KnowledgeBase) Retrieve(ctx context.Context, query string, k int) (string, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	n, err := kb.store.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("count chunks: %w", err)
	}
	if n == 0 {
		return NoContextMarker, nil
	}

	vectors, err := kb.embedder.Embed(ctx, []string{query})
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return "", errors.New("embed query: no vector returned")
	}

	fetch := k
	if kb.mmr && kb.fetchK > k {
		fetch = kb.fetchK
	}
	matches, err := kb.store.Search(ctx, vectors[0], fetch)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}
	if kb.mmr {
		matches = MMR(matches, k, kb.lambda)
	}
	if len(matches) == 0 {
		return NoContextMarker, nil
	}
	return FormatMatches(matches), nil
}

// FormatMatches renders matches the way Retrieve returns them.
func FormatMatches(matches []Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = "Source: " + m.Chunk.Source + "\n" + m.Chunk.Content
	}
	return strings.Join(parts, "\n\n")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
