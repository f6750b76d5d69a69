package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, f.err }

type fakeStore struct {
	matches []Match
	err     error
	upserts int
}

func (f *fakeStore) Search(context.Context, []float32, int, float32) ([]Match, error) {
	return f.matches, f.err
}
func (f *fakeStore) Upsert(context.Context, string, []float32, *freshness.Entry) error {
	f.upserts++
	return nil
}

func keyWithText(text string) backend.Key {
	var b backend.KeyBuilder
	return b.AddString("prompt_text", text).Build()
}

func TestReadReturnsNearestMatchAboveThreshold(t *testing.T) {
	entry := &freshness.Entry{Payload: []byte("hit"), CreatedAt: time.Now(), TTL: time.Minute}
	store := &fakeStore{matches: []Match{{Score: 0.95, Entry: entry}}}
	b := New(&fakeEmbedder{vec: []float32{0.1, 0.2}}, store, "prompt_text", 0.8)

	got, err := b.Read(context.Background(), keyWithText("hello"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Payload) != "hit" {
		t.Errorf("Payload = %q, want hit", got.Payload)
	}
}

func TestReadMissWhenNoMatches(t *testing.T) {
	store := &fakeStore{matches: nil}
	b := New(&fakeEmbedder{vec: []float32{0.1}}, store, "prompt_text", 0.8)

	_, err := b.Read(context.Background(), keyWithText("hello"))
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadDegradesToMissOnEmbedFailure(t *testing.T) {
	store := &fakeStore{}
	b := New(&fakeEmbedder{err: errors.New("embedder down")}, store, "prompt_text", 0.8)

	_, err := b.Read(context.Background(), keyWithText("hello"))
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("embedder failure must degrade to ErrNotFound, got %v", err)
	}
}

func TestReadDegradesToMissOnSearchFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("search down")}
	b := New(&fakeEmbedder{vec: []float32{0.1}}, store, "prompt_text", 0.8)

	_, err := b.Read(context.Background(), keyWithText("hello"))
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("search failure must degrade to ErrNotFound, got %v", err)
	}
}

func TestReadMissingTextPartIsMiss(t *testing.T) {
	store := &fakeStore{}
	b := New(&fakeEmbedder{vec: []float32{0.1}}, store, "prompt_text", 0.8)

	var kb backend.KeyBuilder
	key := kb.AddString("other", "value").Build()
	_, err := b.Read(context.Background(), key)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("missing text part must be a Miss, got %v", err)
	}
}

func TestWriteUpsertsIntoStore(t *testing.T) {
	store := &fakeStore{}
	b := New(&fakeEmbedder{vec: []float32{0.1}}, store, "prompt_text", 0.8)

	entry := &freshness.Entry{Payload: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}
	if err := b.Write(context.Background(), keyWithText("hello"), entry); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if store.upserts != 1 {
		t.Errorf("expected one upsert, got %d", store.upserts)
	}
}

func TestDeleteIsNoop(t *testing.T) {
	b := New(&fakeEmbedder{}, &fakeStore{}, "prompt_text", 0.8)
	if err := b.Delete(context.Background(), keyWithText("hello")); err != nil {
		t.Fatalf("Delete must be a no-op, got %v", err)
	}
}
