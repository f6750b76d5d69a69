package cacheadapter

import (
	"context"
	"fmt"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend/semantic"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
	"github.com/eduardmaghakyan/hitbox/internal/qdrant"
)

// vectorStore adapts qdrant.Client to semantic.VectorStore. The
// embedder (internal/embedding.Client) already satisfies
// semantic.Embedder directly and needs no adapter.
type vectorStore struct {
	client *qdrant.Client
}

// NewVectorStore wraps a qdrant.Client as a semantic.VectorStore.
func NewVectorStore(client *qdrant.Client) semantic.VectorStore {
	return &vectorStore{client: client}
}

func (s *vectorStore) Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32) ([]semantic.Match, error) {
	results, err := s.client.Search(ctx, vector, limit, scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: qdrant search: %w", err)
	}
	matches := make([]semantic.Match, 0, len(results))
	for _, r := range results {
		if r.Payload == nil {
			continue
		}
		matches = append(matches, semantic.Match{
			Score: r.Score,
			Entry: &freshness.Entry{
				Payload:   r.Payload.EntryPayload,
				CreatedAt: r.Payload.CreatedAt,
				TTL:       r.Payload.TTL,
				Stale:     r.Payload.Stale,
			},
		})
	}
	return matches, nil
}

func (s *vectorStore) Upsert(ctx context.Context, id string, vector []float32, entry *freshness.Entry) error {
	err := s.client.Upsert(ctx, id, vector, &qdrant.CachedPayload{
		EntryPayload: entry.Payload,
		CreatedAt:    entry.CreatedAt,
		TTL:          entry.TTL,
		Stale:        entry.Stale,
	})
	if err != nil {
		return fmt.Errorf("cacheadapter: qdrant upsert: %w", err)
	}
	return nil
}

var _ semantic.VectorStore = (*vectorStore)(nil)
