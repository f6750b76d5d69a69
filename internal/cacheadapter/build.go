package cacheadapter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eduardmaghakyan/hitbox/hitbox"
	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/backend/memory"
	"github.com/eduardmaghakyan/hitbox/hitbox/backend/semantic"
	"github.com/eduardmaghakyan/hitbox/hitbox/backend/ttlcache"
	"github.com/eduardmaghakyan/hitbox/hitbox/compose"
	"github.com/eduardmaghakyan/hitbox/hitbox/events"
	"github.com/eduardmaghakyan/hitbox/hitbox/offload"
	"github.com/eduardmaghakyan/hitbox/hitbox/policy"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eduardmaghakyan/hitbox/internal/config"
	"github.com/eduardmaghakyan/hitbox/internal/embedding"
	"github.com/eduardmaghakyan/hitbox/internal/model"
	"github.com/eduardmaghakyan/hitbox/internal/pipeline"
	"github.com/eduardmaghakyan/hitbox/internal/qdrant"
)

// Deps are the external clients a semantic tier needs. Only read when
// the composition references a "semantic" tier.
type Deps struct {
	Embedder *embedding.Client
	Vectors  *qdrant.Client
}

// BuildBackend turns a CompositionConfig into a backend.Backend: a
// single leaf tier, or a compose.Node binding two tiers under the
// configured read/write/refill policies.
func BuildBackend(cfg config.CompositionConfig, semCfg config.SemanticCacheConfig, deps Deps) (backend.Backend, error) {
	l1, err := buildTier(cfg.L1, semCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: building l1: %w", err)
	}
	if cfg.L2.Type == "" {
		return l1, nil
	}
	l2, err := buildTier(cfg.L2, semCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: building l2: %w", err)
	}

	read, err := readPolicy(cfg.Read)
	if err != nil {
		return nil, err
	}
	write, err := writePolicy(cfg.Write)
	if err != nil {
		return nil, err
	}
	refill, err := refillPolicy(cfg.Refill)
	if err != nil {
		return nil, err
	}
	return compose.New(l1, l2, read, write, refill)
}

func buildTier(t config.TierConfig, semCfg config.SemanticCacheConfig, deps Deps) (backend.Backend, error) {
	switch t.Type {
	case "memory":
		return memory.New(t.MaxEntries), nil
	case "ttlcache":
		interval := t.CleanupInterval
		if interval == 0 {
			interval = 10 * time.Minute
		}
		return ttlcache.New(interval), nil
	case "semantic":
		if deps.Embedder == nil || deps.Vectors == nil {
			return nil, fmt.Errorf("cacheadapter: tier type semantic requires embedding and vector store clients")
		}
		var opts []semantic.Option
		if semCfg.EmbedTimeout > 0 {
			opts = append(opts, semantic.WithEmbedTimeout(semCfg.EmbedTimeout))
		}
		return semantic.New(deps.Embedder, NewVectorStore(deps.Vectors), "prompt_text", semCfg.Threshold, opts...), nil
	default:
		return nil, fmt.Errorf("cacheadapter: unknown tier type %q", t.Type)
	}
}

func readPolicy(s string) (compose.ReadPolicy, error) {
	switch s {
	case "sequential":
		return compose.Sequential, nil
	case "race":
		return compose.Race, nil
	case "parallel":
		return compose.Parallel, nil
	default:
		return 0, fmt.Errorf("cacheadapter: unknown read policy %q", s)
	}
}

func writePolicy(s string) (compose.WritePolicy, error) {
	switch s {
	case "sequential":
		return compose.WriteSequential, nil
	case "optimistic_parallel":
		return compose.OptimisticParallel, nil
	case "race":
		return compose.WriteRace, nil
	default:
		return 0, fmt.Errorf("cacheadapter: unknown write policy %q", s)
	}
}

func refillPolicy(s string) (compose.RefillPolicy, error) {
	switch s {
	case "always":
		return compose.RefillAlways, nil
	case "never":
		return compose.RefillNever, nil
	default:
		return 0, fmt.Errorf("cacheadapter: unknown refill policy %q", s)
	}
}

// BuildPolicy turns a PolicyConfig into a policy.Config.
func BuildPolicy(cfg config.PolicyConfig) (policy.Config, error) {
	if !cfg.Enabled {
		return policy.Disabled(), nil
	}
	var sp policy.StalePolicy
	switch cfg.StalePolicy {
	case "return":
		sp = policy.Return
	case "revalidate":
		sp = policy.Revalidate
	case "offload_revalidate":
		sp = policy.OffloadRevalidate
	default:
		return policy.Config{}, fmt.Errorf("cacheadapter: unknown stale policy %q", cfg.StalePolicy)
	}
	return policy.Config{
		Enabled:     true,
		TTL:         cfg.TTL,
		Stale:       cfg.Stale,
		StalePolicy: sp,
		Concurrency: cfg.Concurrency,
	}, nil
}

// BuildOffload turns an OffloadConfig into an offload.Manager, wired to
// the given events.Recorder for its Spawned/Completed/Dropped events.
func BuildOffload(cfg config.OffloadConfig, recorder *events.Recorder) (*offload.Manager, error) {
	var timeout offload.TimeoutPolicy
	switch cfg.Timeout {
	case "none", "":
		timeout = offload.NoTimeout()
	case "cancel":
		timeout = offload.CancelAfter(cfg.TimeoutAfter)
	case "warn":
		timeout = offload.WarnAfter(cfg.TimeoutAfter)
	default:
		return nil, fmt.Errorf("cacheadapter: unknown offload timeout kind %q", cfg.Timeout)
	}

	var opts []offload.Option
	if cfg.Deduplicate {
		opts = append(opts, offload.WithDeduplicate())
	}
	if cfg.MaxConcurrentTasks > 0 {
		opts = append(opts, offload.WithMaxConcurrentTasks(cfg.MaxConcurrentTasks))
	}
	if recorder != nil {
		opts = append(opts, offload.WithRecorder(func(e offload.Event) {
			recorder.Record(events.Event{Kind: offloadEventKind(e.Kind), Key: e.Key})
		}))
	}
	return offload.New(timeout, opts...), nil
}

func offloadEventKind(k offload.EventKind) events.Kind {
	switch k {
	case offload.EventCompleted:
		return events.KindOffloadCompleted
	case offload.EventDeduplicated:
		return events.KindOffloadDeduped
	case offload.EventTimedOut:
		return events.KindOffloadTimedOut
	default:
		return events.KindOffloadSpawned
	}
}

// BuildRecorder builds an events.Recorder, attaching Prometheus metrics
// when reg is non-nil.
func BuildRecorder(logger *slog.Logger, reg prometheus.Registerer) *events.Recorder {
	if reg != nil {
		return events.NewWithMetrics(logger, reg)
	}
	return events.New(logger)
}

// Cache is the concrete hitbox.Cache type this proxy drives.
type Cache = hitbox.Cache[*model.ProxyRequest, *model.ProxyResponse]

// Disabled builds a Cache with caching turned off: every request falls
// straight through to PollUpstream (§4.6, CheckRequestCachePolicy
// policy=Disabled branch). Used where a composition/policy isn't worth
// configuring — benchmarks isolating dispatch overhead, tests of
// request handling unrelated to cache semantics.
func Disabled(dispatch *pipeline.DispatchStage) (*Cache, error) {
	c, err := hitbox.New(
		memory.New(1),
		[]hitbox.Extractor[*model.ProxyRequest]{Extractor},
		Upstream(dispatch),
		Codec{},
		hitbox.StaticPolicy[*model.ProxyRequest](policy.Disabled()),
	)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: building disabled cache: %w", err)
	}
	return c, nil
}

// Build assembles a Cache from configuration and the teacher's
// DispatchStage, wiring the composition tree, offload manager, policy,
// and recorder together.
func Build(cfg config.CacheConfig, dispatch *pipeline.DispatchStage, deps Deps, logger *slog.Logger, reg prometheus.Registerer) (*Cache, error) {
	be, err := BuildBackend(cfg.Composition, cfg.Semantic, deps)
	if err != nil {
		return nil, err
	}
	polCfg, err := BuildPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	recorder := BuildRecorder(logger, reg)

	opts := []hitbox.Option[*model.ProxyRequest, *model.ProxyResponse]{
		hitbox.WithRecorder[*model.ProxyRequest, *model.ProxyResponse](recorder),
	}
	if cfg.Policy.StalePolicy == "offload_revalidate" {
		mgr, err := BuildOffload(cfg.Offload, recorder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hitbox.WithOffload[*model.ProxyRequest, *model.ProxyResponse](mgr))
	}

	var predicates []hitbox.Predicate[*model.ProxyRequest]
	predicates = append(predicates, NonStreaming)
	if cfg.Policy.SkipTempAboveZero {
		predicates = append(predicates, SkipTempAboveZero)
	}
	opts = append(opts, hitbox.WithPredicates(predicates...))
	opts = append(opts, hitbox.WithResponsePredicates[*model.ProxyRequest](ResponseCacheable))

	c, err := hitbox.New(
		be,
		[]hitbox.Extractor[*model.ProxyRequest]{Extractor},
		Upstream(dispatch),
		Codec{},
		hitbox.StaticPolicy[*model.ProxyRequest](polCfg),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("cacheadapter: building cache: %w", err)
	}
	return c, nil
}
