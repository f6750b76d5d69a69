// Package memory implements a bounded, in-process LRU Backend. It is
// adapted from the teacher's exact-match cache
// (internal/cache/exact.go): same container/list LRU structure,
// generalized from a ChatRequest-keyed cache to an opaque backend.Key.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// lruEntry wraps a stored entry with its key for O(1) eviction.
type lruEntry struct {
	key   string
	entry *freshness.Entry
}

// Backend is an in-memory LRU-bounded backend.Backend.
type Backend struct {
	mu         sync.RWMutex
	items      map[string]*list.Element
	order      *list.List // front = most recently used, back = least recently used
	maxEntries int
	clock      freshness.Clock
}

// New creates a Backend holding at most maxEntries entries. A
// non-positive maxEntries disables the bound (never evicts).
func New(maxEntries int) *Backend {
	return &Backend{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		clock:      freshness.RealClock,
	}
}

// WithClock overrides the clock used to proactively evict entries past
// their stale window on Read. Intended for tests.
func (b *Backend) WithClock(clock freshness.Clock) *Backend {
	b.clock = clock
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Read(_ context.Context, key backend.Key) (*freshness.Entry, error) {
	k := key.String()

	b.mu.Lock()
	elem, ok := b.items[k]
	if !ok {
		b.mu.Unlock()
		return nil, backend.ErrNotFound
	}

	entry := elem.Value.(*lruEntry).entry
	if entry.Classify(b.clock) == freshness.Expired {
		// Past the stale window by our own clock — satisfies the §4.1
		// contract by construction rather than leaving it to the FSM.
		b.order.Remove(elem)
		delete(b.items, k)
		b.mu.Unlock()
		return nil, backend.ErrNotFound
	}

	b.order.MoveToFront(elem)
	b.mu.Unlock()
	return entry, nil
}

func (b *Backend) Write(_ context.Context, key backend.Key, entry *freshness.Entry) error {
	k := key.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.items[k]; ok {
		elem.Value.(*lruEntry).entry = entry
		b.order.MoveToFront(elem)
		return nil
	}

	if b.maxEntries > 0 && b.order.Len() >= b.maxEntries {
		b.evictLRU()
	}

	le := &lruEntry{key: k, entry: entry}
	elem := b.order.PushFront(le)
	b.items[k] = elem
	return nil
}

func (b *Backend) Delete(_ context.Context, key backend.Key) error {
	k := key.String()

	b.mu.Lock()
	defer b.mu.Unlock()
	elem, ok := b.items[k]
	if !ok {
		return nil
	}
	b.order.Remove(elem)
	delete(b.items, k)
	return nil
}

// Len returns the current number of entries.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.order.Len()
}

// Clear removes all entries.
func (b *Backend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*list.Element)
	b.order.Init()
}

// evictLRU removes the least recently used entry. Must be called under
// write lock.
func (b *Backend) evictLRU() {
	back := b.order.Back()
	if back == nil {
		return
	}
	le := back.Value.(*lruEntry)
	b.order.Remove(back)
	delete(b.items, le.key)
}
