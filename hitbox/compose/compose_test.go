package compose

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eduardmaghakyan/hitbox/hitbox/backend"
	"github.com/eduardmaghakyan/hitbox/hitbox/backend/memory"
	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

func key(s string) backend.Key {
	var b backend.KeyBuilder
	return b.AddString("k", s).Build()
}

// delayBackend wraps another backend.Backend, sleeping before Read
// returns, so tests can control which tier "wins" a race.
type delayBackend struct {
	backend.Backend
	readDelay time.Duration
}

func (d *delayBackend) Read(ctx context.Context, k backend.Key) (*freshness.Entry, error) {
	select {
	case <-time.After(d.readDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Backend.Read(ctx, k)
}

func TestNewRejectsNilTiers(t *testing.T) {
	if _, err := New(nil, memory.New(10), Sequential, WriteSequential, RefillNever); err == nil {
		t.Fatalf("expected error for nil l1")
	}
	if _, err := New(memory.New(10), nil, Sequential, WriteSequential, RefillNever); err == nil {
		t.Fatalf("expected error for nil l2")
	}
}

func TestCycleDetection(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	inner, err := New(l1, l2, Sequential, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New(inner): %v", err)
	}

	// Build a node whose l2 is itself, by constructing it with a
	// placeholder then mutating l2 to point back at the node — this
	// simulates what validateAcyclic must catch since Go has no way to
	// build a literal self-reference through the exported API alone.
	var self *Node
	self, err = New(inner, inner, Sequential, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("building a diamond (non-cyclic reuse) must succeed: %v", err)
	}
	self.l2 = self
	if err := validateAcyclic(self); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle for a self-referential node, got %v", err)
	}
}

func TestSequentialReadFallsThroughToL2(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	entry := &freshness.Entry{Payload: []byte("from-l2"), CreatedAt: time.Now(), TTL: time.Minute}
	l2.Write(context.Background(), key("a"), entry)

	n, err := New(l1, l2, Sequential, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := n.Read(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Payload) != "from-l2" {
		t.Errorf("Payload = %q, want from-l2", got.Payload)
	}
}

func TestSequentialReadRefillsL1(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	entry := &freshness.Entry{Payload: []byte("from-l2"), CreatedAt: time.Now(), TTL: time.Minute}
	l2.Write(context.Background(), key("a"), entry)

	n, err := New(l1, l2, Sequential, WriteSequential, RefillAlways)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := n.Read(context.Background(), key("a")); err != nil {
		t.Fatalf("Read: %v", err)
	}

	l1Entry, err := l1.Read(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("expected l1 to be refilled, Read: %v", err)
	}
	if !l1Entry.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("refilled entry CreatedAt = %v, want %v", l1Entry.CreatedAt, entry.CreatedAt)
	}
}

func TestSequentialRefillSkipsStaleEntries(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	staleEntry := &freshness.Entry{
		Payload:   []byte("stale"),
		CreatedAt: time.Now().Add(-time.Hour),
		TTL:       time.Second,
		Stale:     time.Hour * 2,
	}
	l2.Write(context.Background(), key("a"), staleEntry)

	n, err := New(l1, l2, Sequential, WriteSequential, RefillAlways)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := n.Read(context.Background(), key("a")); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := l1.Read(context.Background(), key("a")); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("a Stale L2 entry must not be refilled into L1")
	}
}

func TestRaceReadFirstHitWins(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	fast := &freshness.Entry{Payload: []byte("fast"), CreatedAt: time.Now(), TTL: time.Minute}
	slow := &freshness.Entry{Payload: []byte("slow"), CreatedAt: time.Now().Add(time.Second), TTL: time.Minute}
	l1.Write(context.Background(), key("a"), fast)
	l2.Write(context.Background(), key("a"), slow)

	slowL2 := &delayBackend{Backend: l2, readDelay: 50 * time.Millisecond}
	n, err := New(l1, slowL2, Race, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := n.Read(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Payload) != "fast" {
		t.Errorf("Race must return the first hit (fast), got %q", got.Payload)
	}
}

func TestParallelReadPrefersFresher(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	older := &freshness.Entry{Payload: []byte("older"), CreatedAt: time.Now(), TTL: time.Minute}
	newer := &freshness.Entry{Payload: []byte("newer"), CreatedAt: time.Now().Add(time.Minute), TTL: time.Minute}
	l1.Write(context.Background(), key("a"), older)
	l2.Write(context.Background(), key("a"), newer)

	n, err := New(l1, l2, Parallel, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := n.Read(context.Background(), key("a"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got.Payload) != "newer" {
		t.Errorf("Parallel must prefer the fresher entry, got %q", got.Payload)
	}
}

func TestWriteSequentialWritesBothTiers(t *testing.T) {
	l1 := memory.New(10)
	l2 := memory.New(10)
	n, err := New(l1, l2, Sequential, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry := &freshness.Entry{Payload: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}
	if err := n.Write(context.Background(), key("a"), entry); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := l1.Read(context.Background(), key("a")); err != nil {
		t.Errorf("expected l1 to hold the written entry: %v", err)
	}
	if _, err := l2.Read(context.Background(), key("a")); err != nil {
		t.Errorf("expected l2 to hold the written entry: %v", err)
	}
}

func TestOptimisticParallelSucceedsWithOneTier(t *testing.T) {
	l1 := memory.New(10)
	failing := failBackend{}
	n, err := New(l1, failing, Sequential, OptimisticParallel, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry := &freshness.Entry{Payload: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}
	if err := n.Write(context.Background(), key("a"), entry); err != nil {
		t.Fatalf("OptimisticParallel write should succeed if at least one tier does: %v", err)
	}
}

func TestOptimisticParallelFailsIfBothFail(t *testing.T) {
	n, err := New(failBackend{}, failBackend{}, Sequential, OptimisticParallel, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry := &freshness.Entry{Payload: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute}
	if err := n.Write(context.Background(), key("a"), entry); err == nil {
		t.Fatalf("expected an error when both tiers fail")
	}
}

func TestDeleteAttemptsBothTiers(t *testing.T) {
	var calls sync.Map
	d1 := &countingDelete{name: "l1", calls: &calls}
	d2 := &countingDelete{name: "l2", calls: &calls}
	n, err := New(d1, d2, Sequential, WriteSequential, RefillNever)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Delete(context.Background(), key("a"))
	if _, ok := calls.Load("l1"); !ok {
		t.Errorf("expected l1.Delete to be called")
	}
	if _, ok := calls.Load("l2"); !ok {
		t.Errorf("expected l2.Delete to be called")
	}
}

type failBackend struct{}

func (failBackend) Read(context.Context, backend.Key) (*freshness.Entry, error) {
	return nil, backend.ErrNotFound
}
func (failBackend) Write(context.Context, backend.Key, *freshness.Entry) error {
	return errors.New("write failed")
}
func (failBackend) Delete(context.Context, backend.Key) error { return nil }

type countingDelete struct {
	name  string
	calls *sync.Map
}

func (c *countingDelete) Read(context.Context, backend.Key) (*freshness.Entry, error) {
	return nil, backend.ErrNotFound
}
func (c *countingDelete) Write(context.Context, backend.Key, *freshness.Entry) error { return nil }
func (c *countingDelete) Delete(context.Context, backend.Key) error {
	c.calls.Store(c.name, true)
	return nil
}
