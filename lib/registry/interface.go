package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/group"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IRegistry is the process-wide document id to collaboration group mapping
// and the facade the transport layer talks to.
//
// Thread-safety: all methods are safe for concurrent use. Operations on
// different documents never serialize against each other.
type IRegistry interface {
	// Attach authorizes the client and registers the subscriber with the
	// document's group, creating or rehydrating the group if needed.
	Attach(ctx context.Context, docID, clientID string, sub group.Subscriber) error
	// Detach removes a subscriber handle. Unknown documents or handles are
	// a no-op.
	Detach(docID, subID string)
	// Submit authorizes the client and merges a locally submitted update.
	// originID names the submitting subscriber so the fan-out skips it.
	// The returned diff is nil for duplicates.
	Submit(ctx context.Context, docID, clientID, originID string, update []byte) ([]byte, error)
	// DiffSince returns the patch bringing an observer at the given state
	// vector up to date, plus the group's current state vector.
	DiffSince(ctx context.Context, docID, clientID string, vv crdt.VV) ([]byte, crdt.VV, error)

	// GetOrCreate returns the live group for a document, activating it
	// first if necessary (snapshot rehydration). Concurrent callers for
	// the same id receive the same group. Activation also happens without
	// a caller: the first relayed diff for a document creates its group.
	GetOrCreate(ctx context.Context, docID string) (*group.Group, error)
	// Lookup returns the live group if one exists; it never activates.
	Lookup(docID string) (*group.Group, bool)

	// EvictIdle removes groups that have been idle past the configured
	// threshold and returns how many were evicted. Dirty groups and groups
	// with subscribers are kept.
	EvictIdle(now time.Time) int
	// ForEachGroup calls fn for every live group until fn returns false
	// (persistence scheduler hook).
	ForEachGroup(fn func(g *group.Group) bool)
	// Size returns the number of live groups.
	Size() int

	// Close stops the eviction loop and cancels the relay subscription.
	// Callers flush through the persistence scheduler before closing.
	Close() error
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrRegistryClosed is returned for operations on a closed registry.
	ErrRegistryClosed = errors.New("registry: closed")
)
