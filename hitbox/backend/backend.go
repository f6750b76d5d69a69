// Package backend defines the uniform storage contract the rest of
// Hitbox programs against (§4.1), plus the key canonicalization helper
// from §3.
package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// Key is the canonical byte form of a cache key. Two keys are equal iff
// their canonical forms are byte-equal. Keys are opaque to everything
// above this package.
type Key []byte

// String renders the key for logging; it is not meant to be parsed back.
func (k Key) String() string {
	return string(k)
}

// KeyPart is one (name, value) component of a key, produced by an
// Extractor. Parts accumulate across an extractor chain (§6).
type KeyPart struct {
	Name  string
	Value []byte
}

// KeyBuilder accumulates KeyParts and canonicalizes them into a Key.
// Canonicalization is a length-prefixed concatenation of name and value
// pairs, in the order they were added: order is part of the key's
// identity, exactly as spec.md §3 requires ("an ordered sequence").
type KeyBuilder struct {
	buf bytes.Buffer
}

// Add appends a part to the key under construction.
func (b *KeyBuilder) Add(name string, value []byte) *KeyBuilder {
	writeLP(&b.buf, []byte(name))
	writeLP(&b.buf, value)
	return b
}

// AddString is a convenience wrapper around Add for string values.
func (b *KeyBuilder) AddString(name, value string) *KeyBuilder {
	return b.Add(name, []byte(value))
}

// Build returns the canonical Key. The builder may continue to be used
// afterward; Build takes a snapshot of the buffer's current contents.
func (b *KeyBuilder) Build() Key {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return Key(out)
}

func writeLP(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// ParseKey decodes a Key back into its ordered KeyParts. It is the
// inverse of KeyBuilder, used by backends (such as backend/semantic)
// that need the original part values rather than just the opaque byte
// string — KeyBuilder's length-prefixing makes this lossless.
func ParseKey(key Key) ([]KeyPart, error) {
	r := bytes.NewReader(key)
	var parts []KeyPart
	for r.Len() > 0 {
		name, err := readLP(r)
		if err != nil {
			return nil, fmt.Errorf("backend: parsing key part name: %w", err)
		}
		value, err := readLP(r)
		if err != nil {
			return nil, fmt.Errorf("backend: parsing key part value: %w", err)
		}
		parts = append(parts, KeyPart{Name: string(name), Value: value})
	}
	return parts, nil
}

func readLP(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ErrorKind classifies a backend-level failure (§4.1).
type ErrorKind int

const (
	// Transport indicates a transport or connection failure.
	Transport ErrorKind = iota
	// Serialization indicates a malformed stored entry.
	Serialization
	// Disconnected indicates the backend is not reachable at all.
	Disconnected
)

func (k ErrorKind) String() string {
	switch k {
	case Transport:
		return "Transport"
	case Serialization:
		return "Serialization"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a backend ErrorKind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind. Returns nil if err is nil.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ErrNotFound is returned by Read when a key has no stored entry. It is
// distinct from an Error: a miss is not a failure.
var ErrNotFound = errors.New("backend: not found")

// AsBackendError unwraps err into a *Error, if it is one.
func AsBackendError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Backend is the uniform storage contract (§4.1). Implementations must
// be safe for concurrent use, and must embed their TTL such that reads
// past created_at+ttl+stale either return ErrNotFound or an entry the
// FSM will classify as Expired.
type Backend interface {
	// Read returns the stored entry for key, or ErrNotFound if absent.
	Read(ctx context.Context, key Key) (*freshness.Entry, error)
	// Write stores entry under key. Durability semantics are
	// backend-specific; success means "best-effort persisted".
	Write(ctx context.Context, key Key, entry *freshness.Entry) error
	// Delete removes key, if present. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key Key) error
}
