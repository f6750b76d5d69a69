// Package coordinator implements dogpile-prevention (§4.3): a sharded
// mapping from cache key to a per-key coordination slot that bounds
// concurrent upstream calls to N and broadcasts the outcome of one
// in-flight call to everyone else waiting on the same key.
//
// Implementation note on "Lagged" (§4.3.3, §9): the spec's broadcast
// channel can, in a ring-buffer implementation, drop a slow subscriber
// and signal it distinctly as Lagged. This package instead delivers
// every subscriber's outcome from a single stored value unblocked by a
// closed channel (the same close-to-broadcast idiom the teacher uses in
// internal/pipeline/semantic_dispatch.go's gatedWriter) — every
// subscriber sees the identical value, so overflow-driven lag is
// structurally impossible. ChannelClosed and Lagged therefore collapse
// into the single ErrFallback sentinel; the spec requires the FSM treat
// them identically, so this loses no required behavior.
package coordinator

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrFallback is returned by Subscription.Wait when the holder dropped
// its permit without broadcasting (or, in a ring-buffer broadcaster,
// would have reported Lagged). The caller must independently call
// upstream, without acquiring a new permit.
var ErrFallback = errors.New("coordinator: fallback to independent upstream call")

const shardCount = 64

// Coordinator is a sharded per-key slot map, generic over the cacheable
// outcome type T (the FSM's response type).
type Coordinator[T any] struct {
	shards [shardCount]shard[T]
}

type shard[T any] struct {
	mu    sync.Mutex
	slots map[string]*slot[T]
}

// New creates an empty Coordinator.
func New[T any]() *Coordinator[T] {
	c := &Coordinator[T]{}
	for i := range c.shards {
		c.shards[i].slots = make(map[string]*slot[T])
	}
	return c
}

func (c *Coordinator[T]) shardFor(key string) *shard[T] {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum64()%shardCount]
}

// slot holds the per-key coordination state.
type slot[T any] struct {
	sem    *semaphore.Weighted
	mu     sync.Mutex
	refs   int
	done   chan struct{}
	result *T
	closed bool
}

func newSlot[T any](capacity int64) *slot[T] {
	return &slot[T]{
		sem:  semaphore.NewWeighted(capacity),
		done: make(chan struct{}),
	}
}

// Permit is held by the request that must call upstream. Exactly one of
// Broadcast or Drop must be called, exactly once.
type Permit[T any] struct {
	c    *Coordinator[T]
	key  string
	s    *slot[T]
	once sync.Once
}

// Broadcast delivers a cacheable outcome to every current and future-
// until-drain subscriber, then releases the permit.
func (p *Permit[T]) Broadcast(v T) {
	p.once.Do(func() { p.finish(&v) })
}

// Drop releases the permit without broadcasting. Subscribers observe
// ErrFallback and must independently call upstream.
func (p *Permit[T]) Drop() {
	p.once.Do(func() { p.finish(nil) })
}

// finish runs once per Permit. When capacity N > 1, up to N permits
// share the same slot (the semaphore bounds concurrent upstream calls,
// it does not single-issue the slot), so more than one Permit can call
// finish on the same slot. Only the first to arrive broadcasts or drops
// — it closes s.done and every subscriber sees its outcome. Later
// arrivals on the same slot must not touch s.done/s.result again (that
// would double-close the channel); they just release their own
// semaphore unit and deref.
func (p *Permit[T]) finish(result *T) {
	s := p.s
	s.mu.Lock()
	first := !s.closed
	if first {
		s.result = result
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	s.sem.Release(1)
	p.c.deref(p.key, s)
}

// Subscription is held by a request that found all permits taken and is
// waiting for the in-flight call's outcome.
type Subscription[T any] struct {
	c   *Coordinator[T]
	key string
	s   *slot[T]
}

// Wait blocks until the in-flight call broadcasts an outcome, is
// dropped (ErrFallback), or ctx is cancelled. On any return, the
// subscription's reference on the slot is released; callers must not
// call Wait twice.
func (s *Subscription[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-s.s.done:
		s.c.deref(s.key, s.s)
		s.s.mu.Lock()
		result, closed := s.s.result, s.s.closed
		s.s.mu.Unlock()
		if closed && result != nil {
			return *result, nil
		}
		return zero, ErrFallback
	case <-ctx.Done():
		s.c.deref(s.key, s.s)
		return zero, ctx.Err()
	}
}

// Decision is the outcome of Acquire.
type Decision int

const (
	// Disabled means the policy has no concurrency control; the caller
	// proceeds unconditionally; no Permit or Subscription is returned.
	Disabled Decision = iota
	// Proceed means the caller holds a permit and must call upstream.
	Proceed
	// Await means the caller must wait on the returned Subscription.
	Await
)

// Acquire implements the acquire(K) contract of §4.3. capacity <= 0
// means concurrency control is disabled for this key. Otherwise
// capacity is the N to use if a slot for key does not yet exist; an
// existing slot keeps its original capacity (a key's concurrency policy
// is expected to be stable for the lifetime of the cache).
func (c *Coordinator[T]) Acquire(ctx context.Context, key string, capacity int) (Decision, *Permit[T], *Subscription[T]) {
	if capacity <= 0 {
		return Disabled, nil, nil
	}

	sh := c.shardFor(key)
	sh.mu.Lock()
	s, ok := sh.slots[key]
	if ok {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		// A closed slot already broadcast or dropped its outcome and
		// released its semaphore; reusing it would let a late Acquire
		// win a TryAcquire against a slot that is about to (or already
		// did) close(s.done), racing a second close of the same
		// channel. Any earlier subscribers still hold their own
		// reference to it and are unaffected; it is reclaimed by deref
		// once they finish.
		if closed {
			ok = false
		}
	}
	if !ok {
		s = newSlot[T](int64(capacity))
		sh.slots[key] = s
	}
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	sh.mu.Unlock()

	if s.sem.TryAcquire(1) {
		return Proceed, &Permit[T]{c: c, key: key, s: s}, nil
	}
	return Await, nil, &Subscription[T]{c: c, key: key, s: s}
}

// deref drops a reference held by a finished permit or subscription,
// removing the slot from its shard once no references remain.
func (c *Coordinator[T]) deref(key string, s *slot[T]) {
	s.mu.Lock()
	s.refs--
	empty := s.refs == 0
	s.mu.Unlock()
	if !empty {
		return
	}

	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	// Only remove if still the same slot and still empty: a new Acquire
	// may have already replaced it, or added a reference, between our
	// unlock above and taking the shard lock here.
	if cur, ok := sh.slots[key]; ok && cur == s {
		s.mu.Lock()
		stillEmpty := s.refs == 0
		s.mu.Unlock()
		if stillEmpty {
			delete(sh.slots, key)
		}
	}
}
