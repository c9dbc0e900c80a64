// Package snapshot implements durable snapshot storage for document state
// and the scheduler that flushes dirty collaboration groups into it.
//
// Storage model: append-only versions. Every flush writes a complete,
// self-contained record (encoded document state plus its state vector)
// under the next version number for the document; nothing is updated in
// place and rehydration reads exactly one record, the latest. Version
// allocation is atomic per document, so concurrent writers from several
// nodes sharing one store never overwrite each other.
//
// Three backends implement the IStore interface:
//   - memory:  process-local, for tests and the bench command
//   - badger:  embedded key-value storage for single-node deployments
//   - sql:     MySQL for deployments that share one snapshot store
//     across nodes
//
// The Scheduler walks all live groups on a fixed interval, captures the
// state of every dirty group (a cheap, serialized copy taken under the
// group mutex), and writes it outside any lock. A failed write is logged
// and retried on the next tick; the group stays dirty and writable the
// whole time. Stop performs a final flush pass so shutdown never loses
// confirmed edits.
package snapshot
