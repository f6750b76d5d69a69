package cacheadapter

import (
	"github.com/eduardmaghakyan/hitbox/hitbox"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
	"github.com/eduardmaghakyan/hitbox/internal/model"
)

// Finalize stamps the HTTP-facing CacheStatus/ProviderName/Cost onto a
// hitbox.Result before it reaches the handler. A Miss already carries
// these fields as set by the provider dispatch; a Hit or Stale decoded
// from the cache never did (see cachedPayload), so those three fields
// are filled in here rather than baked into the stored payload itself.
func Finalize(result hitbox.Result[*model.ProxyResponse]) *model.ProxyResponse {
	resp := result.Response
	switch result.Status {
	case freshness.CacheHit:
		resp.CacheStatus = "HIT"
		resp.ProviderName = "cache"
		resp.Cost = 0
	case freshness.CacheStale:
		resp.CacheStatus = "STALE"
		resp.ProviderName = "cache"
		resp.Cost = 0
	}
	return resp
}
