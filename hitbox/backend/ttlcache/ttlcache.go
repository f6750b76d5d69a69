// Package ttlcache implements an unbounded-count, TTL-evicting Backend
// on top of github.com/patrickmn/go-cache. It exists as the second,
// structurally different leaf tier (alongside backend/memory's bounded
// LRU) so a composition tree in the demo has two real backends to bind,
// not two copies of the same one.
package ttlcache

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

var errBadValue = errors.New("ttlcache: stored value is not a *freshness.Entry")

// Backend adapts go-cache to backend.Backend. go-cache already expires
// items on its own janitor cycle using the duration passed to Set; we
// pass entry.StaleUntil()-now as that duration so an expired-by-go-cache
// miss and an Expired-by-classification miss agree.
type Backend struct {
	c *gocache.Cache
}

// New creates a Backend. cleanupInterval controls how often go-cache
// sweeps expired items; it does not affect correctness, only memory
// reclamation latency.
func New(cleanupInterval time.Duration) *Backend {
	return &Backend{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Read(_ context.Context, key backend.Key) (*freshness.Entry, error) {
	v, ok := b.c.Get(key.String())
	if !ok {
		return nil, backend.ErrNotFound
	}
	entry, ok := v.(*freshness.Entry)
	if !ok {
		return nil, backend.NewError(backend.Serialization, errBadValue)
	}
	return entry, nil
}

func (b *Backend) Write(_ context.Context, key backend.Key, entry *freshness.Entry) error {
	ttl := time.Until(entry.StaleUntil())
	if ttl <= 0 {
		// Already past its stale window; don't bother storing it.
		return nil
	}
	b.c.Set(key.String(), entry, ttl)
	return nil
}

func (b *Backend) Delete(_ context.Context, key backend.Key) error {
	b.c.Delete(key.String())
	return nil
}
