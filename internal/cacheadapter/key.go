// Package cacheadapter binds the proxy's model.ProxyRequest/ProxyResponse
// types to the generic hitbox.Cache: the extractor that derives a cache
// key from a request, the predicates that decide what may be cached,
// the upstream adapter around internal/pipeline's dispatch stage, and
// the composition/offload/recorder wiring driven by internal/config.
package cacheadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/internal/model"
)

// keyFields is the canonical structure serialized into the cache key,
// adapted from the teacher's exact-match cache (internal/cache/exact.go
// cacheKey): model, messages, temperature, and top_p determine whether
// two requests are the same request.
type keyFields struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

// Extractor builds a backend.KeyPart list from a ProxyRequest. The
// messages are marshaled as one opaque part rather than hashed, since
// backend.KeyBuilder's length-prefixed encoding is already canonical
// and exact-equality is all Read/Write need; a semantic tier recovers
// the human-readable text separately through the "prompt_text" part.
func Extractor(ctx context.Context, req *model.ProxyRequest) ([]backend.KeyPart, error) {
	fields := keyFields{
		Model:       req.ChatRequest.Model,
		Messages:    req.ChatRequest.Messages,
		Temperature: req.ChatRequest.Temperature,
		TopP:        req.ChatRequest.TopP,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: marshaling key fields: %w", err)
	}
	return []backend.KeyPart{
		{Name: "request", Value: data},
		{Name: "prompt_text", Value: []byte(textFromMessages(req.ChatRequest.Messages))},
	}, nil
}

func textFromMessages(messages []model.Message) string {
	var out []byte
	for i, m := range messages {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, m.Role...)
		out = append(out, ':', ' ')
		out = append(out, m.Content...)
	}
	return string(out)
}
