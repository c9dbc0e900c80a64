// Package registry implements the process-wide mapping from document ids to
// live collaboration groups. It is the single writer of group lifecycle:
// exactly one group object exists per document id while it is needed, no
// matter how many callers race on the first touch.
//
// The package focuses on:
//   - Lazy creation with rehydration: the first access to a document loads
//     its latest snapshot (or starts empty) and activates the group
//   - A facade for the transport layer (Attach / Detach / Submit /
//     DiffSince) that consults the admission gate before letting a client
//     subscribe or edit
//   - Wiring the cross-node relay: locally committed diffs are published,
//     and one node-level consumer routes every remote diff into its
//     document's group, activating the group first when this node does
//     not host it yet (a remote diff is a first touch, same as a local
//     subscriber)
//   - Idle eviction: groups with no subscribers, no unflushed state, and
//     no recent activity leave memory; dirty groups are never evicted
//
// Concurrency: the id-to-group map is the only structure mutated by
// unrelated callers simultaneously. It is a concurrent map (xsync.MapOf),
// so lookups and inserts for different documents never serialize against
// each other; per-document creation is serialized with a once-guarded
// entry. Snapshot loading, relay I/O, and admission checks all run outside
// any map- or group-level critical section.
//
// A registry is created at process start and closed at shutdown; shutdown
// drains through the persistence scheduler before Close cancels the relay
// consumer (see the snapshot package).
package registry
