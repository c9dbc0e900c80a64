// Package group implements the per-document collaboration group: the single
// in-memory authority for one document's live state. A group owns the
// document's CRDT replica, the set of locally attached subscribers, and the
// bookkeeping the persistence scheduler and the registry need (dirty flag,
// flush marks, last activity, eviction state).
//
// Lifecycle: a group is created by the registry after the document state
// has been rehydrated (Loading), serves edits and subscriptions (Active),
// is flushed opportunistically while staying writable (Flushing overlaps
// Active), becomes an eviction candidate once it has no subscribers and no
// unflushed state (Idle), and is finally marked Evicted - a terminal state;
// any further access goes back through the registry and recreates the
// group.
//
// Concurrency model: one mutex per group serializes merge application and
// subscriber-set mutation for that document only - unrelated documents
// never contend. Fan-out happens while holding the mutex, but subscriber
// sinks are non-blocking (buffered transport queues); a sink that cannot
// accept is detached on the spot. Relay publishing and snapshot I/O happen
// strictly outside the mutex.
//
// The subscriber handles a group holds are non-owning back-references into
// the transport layer: detach is idempotent and the group never manages a
// connection's lifetime.
package group
