package cacheadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eduardmaghakyan/hitbox/hitbox"
	"github.com/eduardmaghakyan/hitbox/internal/model"
	"github.com/eduardmaghakyan/hitbox/internal/pipeline"
)

// Upstream adapts the teacher's DispatchStage (provider lookup, token
// accounting, pricing) to hitbox.Upstream. Only the non-streaming path
// is wired here: streaming requests never reach the cache FSM at all
// (see the NonStreaming predicate and the handler's passthrough split).
func Upstream(dispatch *pipeline.DispatchStage) hitbox.Upstream[*model.ProxyRequest, *model.ProxyResponse] {
	return hitbox.UpstreamFunc[*model.ProxyRequest, *model.ProxyResponse](dispatch.Process)
}

// cachedPayload is what actually gets persisted: the provider response
// plus the output token count needed to reconstruct a ProxyResponse.
// Cost and ProviderName are deliberately excluded — a cache hit is
// free (Cost 0) and attributed to "cache", not to whichever provider
// produced the original response; the handler fills those in from the
// hitbox.Result's CacheStatus after Handle returns.
type cachedPayload struct {
	ChatResponse *model.ChatResponse `json:"chat_response"`
	OutputTokens int                 `json:"output_tokens"`
}

// Codec implements hitbox.Codec[*model.ProxyResponse].
type Codec struct{}

func (Codec) Encode(resp *model.ProxyResponse) ([]byte, error) {
	data, err := json.Marshal(cachedPayload{ChatResponse: resp.ChatResponse, OutputTokens: resp.OutputTokens})
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: encoding response: %w", err)
	}
	return data, nil
}

func (Codec) Decode(payload []byte) (*model.ProxyResponse, error) {
	var cp cachedPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("cacheadapter: decoding response: %w", err)
	}
	return &model.ProxyResponse{ChatResponse: cp.ChatResponse, OutputTokens: cp.OutputTokens}, nil
}

var _ hitbox.Codec[*model.ProxyResponse] = Codec{}
