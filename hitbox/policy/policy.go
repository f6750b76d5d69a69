// Package policy implements the decision table that maps a freshness
// classification to a cache action (§4.5).
package policy

import (
	"time"

	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

// StalePolicy decides what a request does when it finds a Stale entry.
type StalePolicy int

const (
	// Return serves the stale entry as-is, with no revalidation.
	Return StalePolicy = iota
	// Revalidate calls upstream inline (the request waits) and updates
	// the cache before responding.
	Revalidate
	// OffloadRevalidate serves the stale entry immediately and spawns a
	// background revalidation through the offload manager.
	OffloadRevalidate
)

func (s StalePolicy) String() string {
	switch s {
	case Return:
		return "Return"
	case Revalidate:
		return "Revalidate"
	case OffloadRevalidate:
		return "OffloadRevalidate"
	default:
		return "Unknown"
	}
}

// Config is a per-request (or per-route) cache policy (§4.5). A zero
// Config with Enabled false disables caching entirely.
type Config struct {
	Enabled     bool
	TTL         time.Duration
	Stale       time.Duration
	StalePolicy StalePolicy
	Concurrency int // <=0 disables the dogpile-prevention coordinator
}

// Disabled returns a Config with caching turned off.
func Disabled() Config { return Config{} }

// Action is the decision produced by Decide: what the FSM should do
// next given a freshness classification.
type Action int

const (
	// FetchAndStore means call upstream, then store the response.
	FetchAndStore Action = iota
	// ReturnCached means serve the stored entry with no upstream call.
	ReturnCached
	// RevalidateInline means call upstream inline before responding, as
	// with FetchAndStore. If upstream fails, the error is returned and
	// the stale entry is not served.
	RevalidateInline
	// ReturnAndOffloadRevalidate means serve the stored entry now and
	// spawn a background revalidation.
	ReturnAndOffloadRevalidate
)

func (a Action) String() string {
	switch a {
	case FetchAndStore:
		return "FetchAndStore"
	case ReturnCached:
		return "ReturnCached"
	case RevalidateInline:
		return "RevalidateInline"
	case ReturnAndOffloadRevalidate:
		return "ReturnAndOffloadRevalidate"
	default:
		return "Unknown"
	}
}

// Decide implements the action table of §4.5. status is the freshness
// classification of whatever the backend returned (Miss if nothing was
// found). cfg.Enabled must be true; callers bypass Decide entirely when
// caching is disabled for the request.
func Decide(cfg Config, status freshness.Status) Action {
	switch status {
	case freshness.Actual:
		return ReturnCached
	case freshness.Stale:
		switch cfg.StalePolicy {
		case Revalidate:
			return RevalidateInline
		case OffloadRevalidate:
			return ReturnAndOffloadRevalidate
		default:
			return ReturnCached
		}
	default: // Miss, Expired
		return FetchAndStore
	}
}
