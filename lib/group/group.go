package group

import (
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/VictoriaMetrics/metrics"
)

var (
	// ErrGroupEvicted is returned for operations on a group that has left
	// the registry. Callers recreate the group via the registry; this is
	// not a user-visible failure.
	ErrGroupEvicted = errors.New("group: evicted")
)

var (
	mergesTotal     = metrics.GetOrCreateCounter(`dsync_group_merges_total`)
	rejectedUpdates = metrics.GetOrCreateCounter(`dsync_group_rejected_updates_total`)
	diffsBroadcast  = metrics.GetOrCreateCounter(`dsync_group_diffs_broadcast_total`)
	slowDetaches    = metrics.GetOrCreateCounter(`dsync_group_slow_subscriber_detaches_total`)
	encodeFailures  = metrics.GetOrCreateCounter(`dsync_group_diff_encode_failures_total`)
)

// State describes the externally visible lifecycle position of a group.
type State string

const (
	StateActive  State = "active"  // has subscribers or unflushed edits
	StateIdle    State = "idle"    // clean, no subscribers, eviction candidate
	StateEvicted State = "evicted" // terminal
)

// Group is the in-memory authority for one document. See the package
// documentation for the lifecycle and locking rules.
//
// Thread-safety: all methods are safe for concurrent use; one mutex
// serializes state access per group.
type Group struct {
	docID string

	mu      sync.Mutex
	replica *crdt.Replica
	subs    map[string]Subscriber
	dirty   bool
	// mergeMark counts committed merges; SnapshotForFlush/ConfirmFlush use
	// it to detect edits that raced an in-flight flush.
	mergeMark    uint64
	lastActivity time.Time
	evicted      bool

	// onDiff is the cross-node publish hook, invoked outside the mutex for
	// every locally committed diff. Never called for remote merges (no
	// echo). May be nil (single-node operation).
	onDiff func(diff []byte)
	// encodeDiff wraps a committed diff into the frame handed to local
	// subscribers. Runs once per commit, not once per subscriber.
	encodeDiff func(diff []byte) ([]byte, error)
}

// Options configures a new group.
type Options struct {
	// OnDiff receives every locally committed diff for cross-node
	// publication. Optional.
	OnDiff func(diff []byte)
	// EncodeDiff turns a committed diff into the frame delivered to local
	// subscribers (the transport's wire encoding). Called exactly once per
	// commit; all subscribers receive the same frame. Nil means subscribers
	// get the raw diff bytes.
	EncodeDiff func(diff []byte) ([]byte, error)
}

// New creates an active group around a rehydrated replica. The registry is
// the only caller; it guarantees one live group per document id.
func New(docID string, replica *crdt.Replica, opts Options) *Group {
	return &Group{
		docID:        docID,
		replica:      replica,
		subs:         make(map[string]Subscriber),
		lastActivity: time.Now(),
		onDiff:       opts.OnDiff,
		encodeDiff:   opts.EncodeDiff,
	}
}

// DocID returns the document id this group is the authority for.
func (g *Group) DocID() string { return g.docID }

// --------------------------------------------------------------------------
// Subscriber management
// --------------------------------------------------------------------------

// Attach registers a subscriber handle. Attaching an already known id
// replaces the previous handle.
func (g *Group) Attach(sub Subscriber) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return ErrGroupEvicted
	}
	g.subs[sub.ID()] = sub
	g.lastActivity = time.Now()
	return nil
}

// Detach removes a subscriber handle. Detaching an unknown or already
// removed id is a no-op (idempotent).
func (g *Group) Detach(subID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, subID)
	g.lastActivity = time.Now()
}

// Subscribers returns the number of attached handles.
func (g *Group) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// --------------------------------------------------------------------------
// Edit path
// --------------------------------------------------------------------------

// SubmitLocal merges an update submitted through this node and fans the
// resulting diff out to all local subscribers except the originator.
// The diff is also handed to the OnDiff hook for cross-node publication.
//
// A duplicate update is a successful no-op: nil diff, no fan-out, no
// relay traffic, dirty flag untouched.
func (g *Group) SubmitLocal(originID string, update []byte) ([]byte, error) {
	diff, err := g.commit(update, originID, true)
	if err != nil {
		return nil, err
	}
	if diff != nil && g.onDiff != nil {
		g.onDiff(diff)
	}
	return diff, nil
}

// SubmitRemote merges a diff received from a peer node and fans it out to
// all local subscribers. Remote diffs are never re-published (no echo);
// duplicates delivered by the at-least-once stream are absorbed silently.
func (g *Group) SubmitRemote(patch []byte) error {
	_, err := g.commit(patch, "", false)
	return err
}

// commit is the single serialized merge+fan-out step. Fan-out happens
// under the group mutex so every subscriber observes diffs in commit
// order; sinks are non-blocking, a refusing sink is detached.
func (g *Group) commit(payload []byte, originID string, local bool) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return nil, ErrGroupEvicted
	}

	var (
		diff []byte
		err  error
	)
	if local {
		diff, err = g.replica.Apply(payload)
	} else {
		diff, err = g.replica.ApplyPatch(payload)
	}
	if err != nil {
		rejectedUpdates.Inc()
		return nil, err
	}
	g.lastActivity = time.Now()
	if diff == nil {
		// fully covered: no state change, nothing to broadcast
		return nil, nil
	}

	mergesTotal.Inc()
	g.dirty = true
	g.mergeMark++

	frame := diff
	if g.encodeDiff != nil {
		frame, err = g.encodeDiff(diff)
		if err != nil {
			// merge already committed; the frame is lost for local
			// subscribers but they recover via their next sync
			encodeFailures.Inc()
			return diff, nil
		}
	}
	for id, sub := range g.subs {
		if local && id == originID {
			continue
		}
		if !sub.Send(frame) {
			slowDetaches.Inc()
			delete(g.subs, id)
		}
	}
	diffsBroadcast.Inc()
	return diff, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Content returns the merged document text.
func (g *Group) Content() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.replica.Content()
}

// VV returns a copy of the document's state vector.
func (g *Group) VV() crdt.VV {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.replica.VV()
}

// DiffSince returns the patch that brings an observer at the given state
// vector up to date (client catch-up after reconnect).
func (g *Group) DiffSince(vv crdt.VV) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return nil, ErrGroupEvicted
	}
	return g.replica.DiffSince(vv), nil
}

// --------------------------------------------------------------------------
// Flush protocol (persistence scheduler)
// --------------------------------------------------------------------------

// SnapshotForFlush captures a point-in-time copy of the document state for
// writing. It returns the encoded state, the state vector, and a mark that
// ConfirmFlush uses to detect edits committed after the capture. ok is
// false when the group is clean (nothing to flush).
//
// The capture is taken under the group mutex but the storage write happens
// entirely outside it: a concurrent edit during the write is neither lost
// (the dirty flag survives via the mark check) nor able to corrupt the
// serialized copy.
func (g *Group) SnapshotForFlush() (state []byte, vv crdt.VV, mark uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty || g.evicted {
		return nil, nil, 0, false
	}
	return g.replica.EncodeState(), g.replica.VV(), g.mergeMark, true
}

// ConfirmFlush clears the dirty flag iff no merge was committed since the
// corresponding SnapshotForFlush capture. A failed write simply never
// confirms, leaving the group dirty for the next scheduler tick.
func (g *Group) ConfirmFlush(mark uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeMark == mark {
		g.dirty = false
	}
}

// Dirty reports whether the group holds unflushed state.
func (g *Group) Dirty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty
}

// --------------------------------------------------------------------------
// Eviction
// --------------------------------------------------------------------------

// Evictable reports whether the group may leave memory: no subscribers,
// nothing unflushed, and idle past the threshold. Dirty groups are never
// evictable - the scheduler has to flush them first.
func (g *Group) Evictable(now time.Time, idleAfter time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.evicted && len(g.subs) == 0 && !g.dirty && now.Sub(g.lastActivity) >= idleAfter
}

// MarkEvicted transitions the group to its terminal state. Returns false
// if the group gained subscribers or dirty state since the eviction
// decision (the caller must then keep it).
func (g *Group) MarkEvicted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return true
	}
	if len(g.subs) != 0 || g.dirty {
		return false
	}
	g.evicted = true
	return true
}

// Evicted reports whether the group reached its terminal state.
func (g *Group) Evicted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evicted
}

// CurrentState reports the lifecycle position for introspection and logs.
func (g *Group) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.evicted:
		return StateEvicted
	case len(g.subs) == 0 && !g.dirty:
		return StateIdle
	default:
		return StateActive
	}
}
