package cacheadapter

import (
	"context"

	"github.com/eduardmaghakyan/hitbox/internal/model"
)

// SkipTempAboveZero mirrors the teacher's CacheStage.shouldSkip: a
// request with an explicit temperature greater than zero is unlikely to
// produce a repeatable response, so it bypasses the cache rather than
// polluting it with a response nobody else will match against.
func SkipTempAboveZero(_ context.Context, req *model.ProxyRequest) (bool, error) {
	t := req.ChatRequest.Temperature
	return t == nil || *t <= 0, nil
}

// NonStreaming excludes streaming requests from the cache. A streamed
// response is relayed chunk-by-chunk as it arrives from the provider;
// reconstructing and replaying a cached stream chunk-for-chunk is a
// materially different code path the composition layer has no use for,
// so streaming requests are always treated as a cache miss and go
// straight to the provider, same as a disabled policy would.
func NonStreaming(_ context.Context, req *model.ProxyRequest) (bool, error) {
	return !req.ChatRequest.Stream, nil
}

// ResponseCacheable accepts any response that actually produced a
// choice. A provider response with no choices (e.g. a filtered or empty
// completion) is not worth caching.
func ResponseCacheable(_ context.Context, resp *model.ProxyResponse) (bool, error) {
	return resp != nil && resp.ChatResponse != nil && len(resp.ChatResponse.Choices) > 0, nil
}
