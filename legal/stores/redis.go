package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/c360studio/eiaudit/legal"
	"github.com/redis/go-redis/v9"
)

var _ legal.Store = (*RedisStore)(nil)

const (
	// Key prefixes for Redis
	chunkPrefix = "legal:chunk:"
	chunkSetKey = "legal:chunks"
)

// RedisStore implements legal.Store on Redis.
// Each chunk is a hash at legal:chunk:<id>; the id set is legal:chunks.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store. The store owns client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Upsert writes every chunk hash and set entry in one transaction.
func (s *RedisStore) Upsert(ctx context.Context, chunks []legal.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, c := range chunks {
		vec, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for %s: %w", c.ID, err)
		}
		key := chunkPrefix + c.ID
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"source", c.Source,
			"chunk_id", c.Index,
			"content", c.Content,
			"embedding", vec,
		)
		pipe.SAdd(ctx, chunkSetKey, c.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

// Search loads every chunk and ranks in process.
func (s *RedisStore) Search(ctx context.Context, query []float32, k int) ([]legal.Match, error) {
	ids, err := s.client.SMembers(ctx, chunkSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, chunkPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	chunks := make([]legal.Chunk, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Set entry without a hash; skip.
			continue
		}
		c, err := decodeChunk(ids[i], fields)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return legal.Rank(query, chunks, k), nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, chunkSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeChunk(id string, fields map[string]string) (legal.Chunk, error) {
	c := legal.Chunk{
		ID:      id,
		Source:  fields["source"],
		Content: fields["content"],
	}
	if v := fields["chunk_id"]; v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return legal.Chunk{}, fmt.Errorf("chunk %s: bad chunk_id %q", id, v)
		}
		c.Index = idx
	}
	if v := fields["embedding"]; v != "" {
		if err := json.Unmarshal([]byte(v), &c.Embedding); err != nil {
			return legal.Chunk{}, fmt.Errorf("chunk %s: bad embedding: %w", id, err)
		}
	}
	return c, nil
}
