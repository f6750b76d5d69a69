// Package semantic adapts an embeddings model and a vector database into
// a backend.Backend whose notion of key equality is approximate rather
// than byte-exact. It is grounded in the teacher's
// internal/cache/semantic.go + internal/pipeline/semantic_dispatch.go
// (embed the subject's text, search the vector store, race against
// upstream) — here generalized to the opaque Key/Entry contract the
// rest of Hitbox programs against (§4.1, and SPEC_FULL.md's
// "Supplemented features").
package semantic

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// Embedder produces a vector embedding for text. Implemented in
// production by a client such as the teacher's internal/embedding.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one candidate returned by a vector search.
type Match struct {
	Score float32
	Entry *freshness.Entry
}

// VectorStore is the subset of a vector database this backend needs.
// Implemented in production by a client such as the teacher's
// internal/qdrant.Client.
type VectorStore interface {
	Search(ctx context.Context, vector []float32, limit int, scoreThreshold float32) ([]Match, error)
	Upsert(ctx context.Context, id string, vector []float32, entry *freshness.Entry) error
}

// Backend implements backend.Backend over an Embedder and a VectorStore.
// Read recovers the embeddable text from the canonical Key via
// backend.ParseKey, rather than requiring callers to pass text
// alongside the key — this keeps Backend's signature uniform with every
// other tier in a composition.
type Backend struct {
	embedder  Embedder
	store     VectorStore
	textPart  string
	threshold float32
	embedTTL  time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithEmbedTimeout bounds how long a single Embed call is allowed to
// run, independent of the caller's context deadline, mirroring the
// teacher's Store() timeout around recomputing an embedding.
func WithEmbedTimeout(d time.Duration) Option {
	return func(b *Backend) { b.embedTTL = d }
}

// New creates a Backend. textPart names the KeyPart (added by whichever
// Extractor produced the embeddable text, e.g. "prompt_text") whose raw
// value is embedded and searched. threshold is the minimum similarity
// score (as returned by VectorStore.Search) for a match to count as a
// hit; anything below it is a Miss.
func New(embedder Embedder, store VectorStore, textPart string, threshold float32, opts ...Option) *Backend {
	b := &Backend{embedder: embedder, store: store, textPart: textPart, threshold: threshold}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) text(key backend.Key) (string, error) {
	parts, err := backend.ParseKey(key)
	if err != nil {
		return "", backend.NewError(backend.Serialization, err)
	}
	for _, p := range parts {
		if p.Name == b.textPart {
			return string(p.Value), nil
		}
	}
	return "", fmt.Errorf("semantic: key has no %q part", b.textPart)
}

func (b *Backend) embed(ctx context.Context, text string) ([]float32, error) {
	if b.embedTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.embedTTL)
		defer cancel()
	}
	return b.embedder.Embed(ctx, text)
}

// Read embeds the key's text and returns the nearest stored Entry above
// the configured threshold, or backend.ErrNotFound. Any embedding or
// search failure degrades to backend.ErrNotFound (§7: "read failures
// are treated as Miss") rather than propagating a hard error — a vector
// store outage should not itself fail requests that would otherwise
// fall through to upstream.
func (b *Backend) Read(ctx context.Context, key backend.Key) (*freshness.Entry, error) {
	text, err := b.text(key)
	if err != nil {
		return nil, backend.ErrNotFound
	}
	vec, err := b.embed(ctx, text)
	if err != nil {
		return nil, backend.ErrNotFound
	}
	matches, err := b.store.Search(ctx, vec, 1, b.threshold)
	if err != nil || len(matches) == 0 {
		return nil, backend.ErrNotFound
	}
	return matches[0].Entry, nil
}

// Write embeds the key's text and upserts entry under a fresh point ID.
// It does not dedupe against an existing near-match; the composition
// layer's refill policy decides whether a Write even happens.
func (b *Backend) Write(ctx context.Context, key backend.Key, entry *freshness.Entry) error {
	text, err := b.text(key)
	if err != nil {
		return backend.NewError(backend.Serialization, err)
	}
	vec, err := b.embed(ctx, text)
	if err != nil {
		return backend.NewError(backend.Transport, err)
	}
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return backend.NewError(backend.Transport, err)
	}
	pointID := fmt.Sprintf("%x-%x-%x-%x-%x", id[0:4], id[4:6], id[6:8], id[8:10], id[10:16])
	if err := b.store.Upsert(ctx, pointID, vec, entry); err != nil {
		return backend.NewError(backend.Transport, err)
	}
	return nil
}

// Delete is a best-effort no-op: nearest-neighbor search has no stable
// notion of "the" point for a given key once upserts accumulate under
// distinct IDs, so exact deletion is left to the VectorStore's own
// maintenance (e.g. a TTL collection policy), not modeled here.
func (b *Backend) Delete(_ context.Context, _ backend.Key) error {
	return nil
}
