// Package hitbox implements the cache request finite-state machine
// (§4.6) that ties together freshness classification, the backend
// composition layer, the dogpile-prevention coordinator, the offload
// manager, and the policy engine behind one generic entrypoint.
package hitbox

import (
	"context"
	"fmt"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/coordinator"
	"github.com/eduardmaghakyan/hitbox/hitbox/events"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
	"github.com/eduardmaghakyan/hitbox/hitbox/offload"
	"github.com/eduardmaghakyan/hitbox/hitbox/policy"
)

// Predicate evaluates whether a subject is eligible for the cache at
// all, short-circuiting the FSM to PollUpstream on the first
// non-cacheable outcome (§4.6, §9 "Predicate evaluation short-circuits
// on first non-cacheable outcome").
type Predicate[S any] func(ctx context.Context, subject S) (cacheable bool, err error)

// ResponsePredicate evaluates whether an upstream response may be
// cached.
type ResponsePredicate[R any] func(ctx context.Context, resp R) (cacheable bool, err error)

// Extractor contributes key parts derived from subject to the key under
// construction (§6). Extractors are chained in the order given to New.
type Extractor[S any] func(ctx context.Context, subject S) ([]backend.KeyPart, error)

// Upstream produces the authoritative response for subject (§3).
// The FSM never retries upstream on its own.
type Upstream[S, R any] interface {
	Call(ctx context.Context, subject S) (R, error)
}

// UpstreamFunc adapts a plain function to Upstream.
type UpstreamFunc[S, R any] func(ctx context.Context, subject S) (R, error)

func (f UpstreamFunc[S, R]) Call(ctx context.Context, subject S) (R, error) { return f(ctx, subject) }

// Codec converts between the response type and the bytes stored in a
// freshness.Entry's Payload (§3: "payload is the codec-encoded response
// bytes plus enough metadata that the FSM can reconstruct a response
// without calling upstream").
type Codec[R any] interface {
	Encode(resp R) ([]byte, error)
	Decode(payload []byte) (R, error)
}

// PolicyFunc resolves the cache policy for a subject. A static policy
// can be supplied with StaticPolicy.
type PolicyFunc[S any] func(ctx context.Context, subject S) policy.Config

// StaticPolicy returns a PolicyFunc that always yields cfg, for callers
// that do not vary caching behavior per subject.
func StaticPolicy[S any](cfg policy.Config) PolicyFunc[S] {
	return func(context.Context, S) policy.Config { return cfg }
}

// Result is what Handle returns to the caller.
type Result[R any] struct {
	Response R
	Status   freshness.CacheStatus
	// Trace records the sequence of FSM states visited, matching the
	// vocabulary of spec.md §4.6 ("Initial", "CheckRequestCachePolicy",
	// "PollCache", ...). Intended for tests and diagnostics, not a
	// stability contract for callers.
	Trace []string
}

// Cache is the generic FSM entrypoint, parameterized over the subject
// type S and response type R.
type Cache[S, R any] struct {
	backend     backend.Backend
	coordinator *coordinator.Coordinator[R]
	offload     *offload.Manager
	policyFunc  PolicyFunc[S]
	predicates  []Predicate[S]
	respPreds   []ResponsePredicate[R]
	extractors  []Extractor[S]
	upstream    Upstream[S, R]
	codec       Codec[R]
	clock       freshness.Clock
	recorder    *events.Recorder
}

// Option configures a Cache at construction time.
type Option[S, R any] func(*Cache[S, R])

// WithPredicates sets the request predicates, evaluated in order.
func WithPredicates[S, R any](preds ...Predicate[S]) Option[S, R] {
	return func(c *Cache[S, R]) { c.predicates = preds }
}

// WithResponsePredicates sets the response predicates, evaluated in
// order after a successful upstream call.
func WithResponsePredicates[S, R any](preds ...ResponsePredicate[R]) Option[S, R] {
	return func(c *Cache[S, R]) { c.respPreds = preds }
}

// WithOffload attaches a background task manager used for
// OffloadRevalidate (§4.4). Without this option, a Stale entry under
// OffloadRevalidate degrades to Return (serve stale, no refresh),
// since there is nowhere to run the background task.
func WithOffload[S, R any](m *offload.Manager) Option[S, R] {
	return func(c *Cache[S, R]) { c.offload = m }
}

// WithClock overrides the clock used for freshness classification.
func WithClock[S, R any](clock freshness.Clock) Option[S, R] {
	return func(c *Cache[S, R]) { c.clock = clock }
}

// WithRecorder attaches an events.Recorder. Without one, events are
// simply not recorded.
func WithRecorder[S, R any](r *events.Recorder) Option[S, R] {
	return func(c *Cache[S, R]) { c.recorder = r }
}

// New builds a Cache. backend, upstream, codec, and policyFunc are
// required; extractors, predicates, offload, clock, and a recorder are
// supplied through Options.
func New[S, R any](be backend.Backend, extractors []Extractor[S], upstream Upstream[S, R], codec Codec[R], policyFunc PolicyFunc[S], opts ...Option[S, R]) (*Cache[S, R], error) {
	if be == nil {
		return nil, fmt.Errorf("hitbox: backend must not be nil")
	}
	if upstream == nil {
		return nil, fmt.Errorf("hitbox: upstream must not be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("hitbox: codec must not be nil")
	}
	if policyFunc == nil {
		return nil, fmt.Errorf("hitbox: policyFunc must not be nil")
	}
	c := &Cache[S, R]{
		backend:     be,
		coordinator: coordinator.New[R](),
		extractors:  extractors,
		upstream:    upstream,
		codec:       codec,
		policyFunc:  policyFunc,
		clock:       freshness.RealClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache[S, R]) record(e events.Event) {
	if c.recorder != nil {
		c.recorder.Record(e)
	}
}

// Shutdown drains the offload manager (if one was attached with
// WithOffload), waiting up to ctx's deadline for in-flight background
// revalidations to finish (§9 "Background tasks and global state": the
// offload manager is a process-wide singleton with explicit
// construction and shutdown). It is a no-op when no offload manager is
// attached.
func (c *Cache[S, R]) Shutdown(ctx context.Context) error {
	if c.offload == nil {
		return nil
	}
	return c.offload.Shutdown(ctx)
}

func (c *Cache[S, R]) buildKey(ctx context.Context, subject S) (backend.Key, error) {
	var b backend.KeyBuilder
	for _, ext := range c.extractors {
		parts, err := ext(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("hitbox: extractor: %w", err)
		}
		for _, p := range parts {
			b.Add(p.Name, p.Value)
		}
	}
	return b.Build(), nil
}

// Handle drives subject through the FSM of §4.6 and returns the
// response along with its observable cache status.
func (c *Cache[S, R]) Handle(ctx context.Context, subject S) (Result[R], error) {
	res := Result[R]{Trace: []string{"Initial"}}
	c.record(events.Event{Kind: events.KindRequestAdmitted})

	res.Trace = append(res.Trace, "CheckRequestCachePolicy")
	cfg := c.policyFunc(ctx, subject)
	cacheable := cfg.Enabled
	if cacheable {
		for _, pred := range c.predicates {
			ok, err := pred(ctx, subject)
			if err != nil {
				// PredicateError: treated as NonCacheable (§7 kind 4).
				c.record(events.Event{Kind: events.KindPredicateDecision, Decision: "non_cacheable", Err: err})
				cacheable = false
				break
			}
			if !ok {
				c.record(events.Event{Kind: events.KindPredicateDecision, Decision: "non_cacheable"})
				cacheable = false
				break
			}
			c.record(events.Event{Kind: events.KindPredicateDecision, Decision: "cacheable"})
		}
	}

	if !cacheable {
		return c.pollUpstreamUncached(ctx, subject, res)
	}

	key, err := c.buildKey(ctx, subject)
	if err != nil {
		return Result[R]{}, err
	}

	res.Trace = append(res.Trace, "PollCache")
	entry, status := c.pollCache(ctx, key)

	switch status {
	case freshness.Actual:
		resp, err := c.codec.Decode(entry.Payload)
		if err != nil {
			// SerializationError (§7 kind 2): treated as Miss.
			c.record(events.Event{Kind: events.KindBackendRead, Key: key.String(), Err: err})
			return c.checkConcurrency(ctx, subject, key, cfg, res)
		}
		res.Trace = append(res.Trace, "ConvertResponse", "Response")
		res.Response, res.Status = resp, freshness.CacheHit
		c.record(events.Event{Kind: events.KindCacheStatus, Key: key.String(), Status: freshness.Actual})
		return res, nil
	case freshness.Stale:
		return c.handleStale(ctx, subject, key, cfg, entry, res)
	default: // Miss, Expired
		return c.checkConcurrency(ctx, subject, key, cfg, res)
	}
}

// pollCache reads the backend composition and classifies the result. A
// read error (Transport/Disconnected, §7 kind 1) degrades to Miss rather
// than failing the request.
func (c *Cache[S, R]) pollCache(ctx context.Context, key backend.Key) (*freshness.Entry, freshness.Status) {
	entry, err := c.backend.Read(ctx, key)
	if err != nil {
		c.record(events.Event{Kind: events.KindBackendRead, Key: key.String(), Err: err})
		return nil, freshness.Miss
	}
	status := entry.Classify(c.clock)
	c.record(events.Event{Kind: events.KindBackendRead, Key: key.String(), Status: status})
	return entry, status
}

func (c *Cache[S, R]) handleStale(ctx context.Context, subject S, key backend.Key, cfg policy.Config, entry *freshness.Entry, res Result[R]) (Result[R], error) {
	res.Trace = append(res.Trace, "HandleStale")
	action := policy.Decide(cfg, freshness.Stale)

	resp, decErr := c.codec.Decode(entry.Payload)
	if decErr != nil {
		// Can't even serve the stale copy; treat as a hard miss.
		return c.checkConcurrency(ctx, subject, key, cfg, res)
	}

	switch action {
	case policy.RevalidateInline:
		return c.checkConcurrency(ctx, subject, key, cfg, res)
	case policy.ReturnAndOffloadRevalidate:
		if c.offload != nil {
			c.spawnRefresh(key, subject, cfg)
		}
		res.Trace = append(res.Trace, "Response")
		res.Response, res.Status = resp, freshness.CacheStale
		c.record(events.Event{Kind: events.KindCacheStatus, Key: key.String(), Status: freshness.Stale})
		return res, nil
	default: // ReturnCached: policy.Return, or OffloadRevalidate with no manager attached
		res.Trace = append(res.Trace, "Response")
		res.Response, res.Status = resp, freshness.CacheStale
		c.record(events.Event{Kind: events.KindCacheStatus, Key: key.String(), Status: freshness.Stale})
		return res, nil
	}
}

// spawnRefresh enqueues a background revalidation. Per §4.6, the spawned
// task shares neither the foreground request's permit nor its context:
// it runs with a fresh background context. It does not re-extract the
// key: it reuses the foreground request's key and captures subject, so
// subject stays referenced until the task has run.
func (c *Cache[S, R]) spawnRefresh(key backend.Key, subject S, cfg policy.Config) {
	c.offload.Spawn(key.String(), func(ctx context.Context) {
		resp, err := c.upstream.Call(ctx, subject)
		if err != nil {
			c.record(events.Event{Kind: events.KindUpstreamCalled, Key: key.String(), Err: err})
			return
		}
		if !c.responseCacheable(ctx, key, resp) {
			return
		}
		c.updateCache(ctx, key, resp, cfg)
	})
}

func (c *Cache[S, R]) checkConcurrency(ctx context.Context, subject S, key backend.Key, cfg policy.Config, res Result[R]) (Result[R], error) {
	res.Trace = append(res.Trace, "CheckConcurrency")
	decision, permit, sub := c.coordinator.Acquire(ctx, key.String(), cfg.Concurrency)
	c.record(events.Event{Kind: events.KindConcurrencyDecided, Key: key.String(), Decision: decisionString(decision)})

	switch decision {
	case coordinator.Await:
		res.Trace = append(res.Trace, "AwaitResponse")
		resp, err := sub.Wait(ctx)
		if err == nil {
			res.Trace = append(res.Trace, "Response")
			res.Response, res.Status = resp, freshness.CacheHit
			return res, nil
		}
		// Closed|Lagged, or ctx cancellation: fall through to an
		// independent upstream call, without a new permit.
		return c.pollUpstream(ctx, subject, key, cfg, res, nil)
	case coordinator.Proceed:
		res.Trace = append(res.Trace, "ConcurrentPollUpstream")
		return c.pollUpstream(ctx, subject, key, cfg, res, permit)
	default: // Disabled
		return c.pollUpstream(ctx, subject, key, cfg, res, nil)
	}
}

func decisionString(d coordinator.Decision) string {
	switch d {
	case coordinator.Proceed:
		return "Proceed"
	case coordinator.Await:
		return "Await"
	default:
		return "Disabled"
	}
}

// pollUpstream calls upstream, evaluates response predicates, and
// updates the cache on a cacheable success. permit is nil when there is
// no coordination slot to broadcast to or drop.
func (c *Cache[S, R]) pollUpstream(ctx context.Context, subject S, key backend.Key, cfg policy.Config, res Result[R], permit *coordinator.Permit[R]) (Result[R], error) {
	res.Trace = append(res.Trace, "PollUpstream")
	start := c.clock.Now()
	resp, err := c.upstream.Call(ctx, subject)
	c.record(events.Event{Kind: events.KindUpstreamCalled, Key: key.String(), Duration: c.clock.Now().Sub(start), Err: err})

	if err != nil {
		if permit != nil {
			permit.Drop()
		}
		return Result[R]{}, fmt.Errorf("hitbox: upstream: %w", err)
	}

	res.Trace = append(res.Trace, "CheckResponseCachePolicy")
	if !c.responseCacheable(ctx, key, resp) {
		if permit != nil {
			permit.Drop()
		}
		res.Trace = append(res.Trace, "Response")
		res.Response, res.Status = resp, freshness.CacheMiss
		return res, nil
	}

	c.updateCache(ctx, key, resp, cfg)
	if permit != nil {
		permit.Broadcast(resp)
	}
	res.Trace = append(res.Trace, "UpdateCache", "Response")
	res.Response, res.Status = resp, freshness.CacheMiss
	return res, nil
}

// pollUpstreamUncached handles the policy=Disabled / non-cacheable
// short-circuit: straight to upstream, no backend or coordinator
// involvement at all.
func (c *Cache[S, R]) pollUpstreamUncached(ctx context.Context, subject S, res Result[R]) (Result[R], error) {
	res.Trace = append(res.Trace, "PollUpstream")
	resp, err := c.upstream.Call(ctx, subject)
	if err != nil {
		return Result[R]{}, fmt.Errorf("hitbox: upstream: %w", err)
	}
	res.Trace = append(res.Trace, "Response")
	res.Response, res.Status = resp, freshness.CacheMiss
	return res, nil
}

func (c *Cache[S, R]) responseCacheable(ctx context.Context, key backend.Key, resp R) bool {
	for _, pred := range c.respPreds {
		ok, err := pred(ctx, resp)
		if err != nil || !ok {
			c.record(events.Event{Kind: events.KindPredicateDecision, Key: key.String(), Decision: "non_cacheable", Err: err})
			return false
		}
		c.record(events.Event{Kind: events.KindPredicateDecision, Key: key.String(), Decision: "cacheable"})
	}
	return true
}

func (c *Cache[S, R]) updateCache(ctx context.Context, key backend.Key, resp R, cfg policy.Config) {
	payload, err := c.codec.Encode(resp)
	if err != nil {
		c.record(events.Event{Kind: events.KindBackendWrite, Key: key.String(), Err: err})
		return
	}
	entry := &freshness.Entry{
		Payload:   payload,
		CreatedAt: c.clock.Now(),
		TTL:       cfg.TTL,
		Stale:     cfg.Stale,
	}
	err = c.backend.Write(ctx, key, entry)
	c.record(events.Event{Kind: events.KindBackendWrite, Key: key.String(), Err: err})
}
