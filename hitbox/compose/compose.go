// Package compose implements the multi-tier storage composition layer
// (§4.2): trees of backend.Backend bound by read, write, and refill
// policies. A composition itself satisfies backend.Backend, so trees
// nest (an L2 can itself be a *Node).
//
// Race tie-break: per spec.md §9, the first tier to report a hit wins;
// a later-arriving fresher Actual entry from the slower tier is
// discarded, never adopted. Some comparable systems prefer the fresher
// arrival instead — this package deliberately does not.
package compose

import (
	"context"
	"errors"
	"fmt"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// ReadPolicy selects how a composition dispatches reads across tiers.
type ReadPolicy int

const (
	// Sequential reads L1, then L2 only on an L1 miss.
	Sequential ReadPolicy = iota
	// Race dispatches both tiers and returns the first hit; the other
	// tier's result, if it arrives later, is discarded.
	Race
	// Parallel dispatches both tiers and prefers the entry with the
	// greatest CreatedAt among the hits.
	Parallel
)

// WritePolicy selects how a composition dispatches writes across tiers.
type WritePolicy int

const (
	// WriteSequential writes L1 then L2; an L2 failure surfaces after
	// the L1 write has already succeeded.
	WriteSequential WritePolicy = iota
	// OptimisticParallel dispatches both writes concurrently; the
	// composition reports success if at least one tier succeeded.
	OptimisticParallel
	// WriteRace dispatches both writes concurrently and reports success
	// on the first to succeed; the loser is not waited on.
	WriteRace
)

// RefillPolicy controls whether an L2 hit on an L1 miss is written back
// to L1.
type RefillPolicy int

const (
	// RefillAlways writes an Actual L2 entry back to L1 on an L1 miss.
	// Stale entries are never refilled.
	RefillAlways RefillPolicy = iota
	// RefillNever never writes back to L1.
	RefillNever
)

// ErrCycle is returned by New when l2 (or one of its descendants, for a
// nested composition) is the node under construction, which would form
// a cycle. Composition trees must be built bottom-up (§9).
var ErrCycle = errors.New("compose: cycle in composition tree")

// Hooks are optional observability callbacks. Nil fields are skipped.
// hitbox wires these to its events.Recorder; compose itself has no
// logging dependency.
type Hooks struct {
	// OnRefill is called after a refill attempt following an L2 hit /
	// L1 miss. err is nil on success.
	OnRefill func(key backend.Key, err error)
}

// Node is a composition of two backends under read/write/refill
// policies. Node itself implements backend.Backend.
type Node struct {
	l1, l2 backend.Backend
	read   ReadPolicy
	write  WritePolicy
	refill RefillPolicy
	clock  freshness.Clock
	hooks  Hooks
}

// Option configures a Node at construction time.
type Option func(*Node)

// WithClock overrides the clock used to classify L2 entries for refill
// eligibility. Defaults to freshness.RealClock.
func WithClock(clock freshness.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// WithHooks attaches observability hooks.
func WithHooks(h Hooks) Option {
	return func(n *Node) { n.hooks = h }
}

// New builds a composition node. l1 and l2 must be non-nil. Returns
// ErrCycle if l2 transitively contains a reference back to the node
// being constructed — impossible by construction in the normal
// bottom-up build, caught here as a defensive invariant check (§9).
func New(l1, l2 backend.Backend, read ReadPolicy, write WritePolicy, refill RefillPolicy, opts ...Option) (*Node, error) {
	if l1 == nil || l2 == nil {
		return nil, fmt.Errorf("compose: l1 and l2 must both be non-nil")
	}
	n := &Node{l1: l1, l2: l2, read: read, write: write, refill: refill, clock: freshness.RealClock}
	for _, opt := range opts {
		opt(n)
	}
	if err := validateAcyclic(n); err != nil {
		return nil, err
	}
	return n, nil
}

// validateAcyclic walks the tree rooted at n, failing if any *Node
// pointer is reachable from itself.
func validateAcyclic(root *Node) error {
	seen := make(map[*Node]bool)
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n == nil {
			return nil
		}
		if seen[n] {
			return ErrCycle
		}
		seen[n] = true
		for _, child := range []backend.Backend{n.l1, n.l2} {
			if cn, ok := child.(*Node); ok {
				if err := walk(cn); err != nil {
					return err
				}
			}
		}
		delete(seen, n)
		return nil
	}
	return walk(root)
}

var _ backend.Backend = (*Node)(nil)

// Read implements backend.Backend according to the configured ReadPolicy.
func (n *Node) Read(ctx context.Context, key backend.Key) (*freshness.Entry, error) {
	switch n.read {
	case Race:
		return n.readRace(ctx, key)
	case Parallel:
		return n.readParallel(ctx, key)
	default:
		return n.readSequential(ctx, key)
	}
}

func (n *Node) readSequential(ctx context.Context, key backend.Key) (*freshness.Entry, error) {
	entry, err := n.l1.Read(ctx, key)
	if err == nil {
		return entry, nil
	}
	// Whether L1 missed or failed (§7: a read failure degrades to a
	// Miss), L2 may still be healthy — always give it a chance.
	entry, err = n.l2.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	n.maybeRefill(ctx, key, entry)
	return entry, nil
}

// readResult carries one tier's read outcome through the race/parallel
// goroutines.
type readResult struct {
	tier  string // "l1" or "l2"
	entry *freshness.Entry
	err   error
}

func (n *Node) readRace(ctx context.Context, key backend.Key) (*freshness.Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan readResult, 2)
	go func() {
		e, err := n.l1.Read(ctx, key)
		ch <- readResult{tier: "l1", entry: e, err: err}
	}()
	go func() {
		e, err := n.l2.Read(ctx, key)
		ch <- readResult{tier: "l2", entry: e, err: err}
	}()

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err == nil {
			// First hit wins. cancel() signals the other tier to stop
			// (best-effort; its result, if any, is discarded below by
			// simply not waiting on it further).
			cancel()
			if r.tier == "l2" {
				n.maybeRefill(context.WithoutCancel(ctx), key, r.entry)
			}
			go drainReadResult(ch, i+1, 2)
			return r.entry, nil
		}
		lastErr = r.err
	}
	return nil, lastErr
}

func (n *Node) readParallel(ctx context.Context, key backend.Key) (*freshness.Entry, error) {
	ch := make(chan readResult, 2)
	go func() {
		e, err := n.l1.Read(ctx, key)
		ch <- readResult{tier: "l1", entry: e, err: err}
	}()
	go func() {
		e, err := n.l2.Read(ctx, key)
		ch <- readResult{tier: "l2", entry: e, err: err}
	}()

	var best *readResult
	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err != nil {
			lastErr = r.err
			continue
		}
		rc := r
		if best == nil || rc.entry.CreatedAt.After(best.entry.CreatedAt) {
			best = &rc
		}
	}
	if best == nil {
		return nil, lastErr
	}
	if best.tier == "l2" {
		n.maybeRefill(ctx, key, best.entry)
	}
	return best.entry, nil
}

// drainReadResult discards the remaining results from a race so the
// losing goroutine's send never blocks forever.
func drainReadResult(ch chan readResult, have, want int) {
	for i := have; i < want; i++ {
		<-ch
	}
}

// maybeRefill writes an L2 hit back to L1 when RefillAlways is
// configured and the entry is Actual by this node's clock. Stale
// entries are never refilled, per §4.2.
func (n *Node) maybeRefill(ctx context.Context, key backend.Key, entry *freshness.Entry) {
	if n.refill != RefillAlways {
		return
	}
	if entry.Classify(n.clock) != freshness.Actual {
		return
	}
	err := n.l1.Write(ctx, key, entry)
	if n.hooks.OnRefill != nil {
		n.hooks.OnRefill(key, err)
	}
}

// Write implements backend.Backend according to the configured
// WritePolicy.
func (n *Node) Write(ctx context.Context, key backend.Key, entry *freshness.Entry) error {
	switch n.write {
	case OptimisticParallel:
		return n.writeOptimisticParallel(ctx, key, entry)
	case WriteRace:
		return n.writeRace(ctx, key, entry)
	default:
		return n.writeSequential(ctx, key, entry)
	}
}

func (n *Node) writeSequential(ctx context.Context, key backend.Key, entry *freshness.Entry) error {
	if err := n.l1.Write(ctx, key, entry); err != nil {
		return fmt.Errorf("compose: l1 write: %w", err)
	}
	if err := n.l2.Write(ctx, key, entry); err != nil {
		return fmt.Errorf("compose: l2 write: %w", err)
	}
	return nil
}

type writeResult struct {
	tier string
	err  error
}

func (n *Node) writeOptimisticParallel(ctx context.Context, key backend.Key, entry *freshness.Entry) error {
	ch := make(chan writeResult, 2)
	go func() { ch <- writeResult{tier: "l1", err: n.l1.Write(ctx, key, entry)} }()
	go func() { ch <- writeResult{tier: "l2", err: n.l2.Write(ctx, key, entry)} }()

	var errs []error
	successes := 0
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err == nil {
			successes++
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", r.tier, r.err))
		}
	}
	if successes > 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (n *Node) writeRace(ctx context.Context, key backend.Key, entry *freshness.Entry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan writeResult, 2)
	go func() { ch <- writeResult{tier: "l1", err: n.l1.Write(ctx, key, entry)} }()
	go func() { ch <- writeResult{tier: "l2", err: n.l2.Write(ctx, key, entry)} }()

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-ch
		if r.err == nil {
			cancel()
			go func(have int) { drainWriteResult(ch, have, 2) }(i + 1)
			return nil
		}
		lastErr = r.err
	}
	return lastErr
}

func drainWriteResult(ch chan writeResult, have, want int) {
	for i := have; i < want; i++ {
		<-ch
	}
}

// Delete removes key from both tiers. It returns the joined error of
// any tier that failed; deleting an absent key is not itself a failure
// (per backend.Backend's contract), so both deletes are always
// attempted.
func (n *Node) Delete(ctx context.Context, key backend.Key) error {
	err1 := n.l1.Delete(ctx, key)
	err2 := n.l2.Delete(ctx, key)
	return errors.Join(err1, err2)
}
