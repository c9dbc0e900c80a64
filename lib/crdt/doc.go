// Package crdt implements the conflict-free merge core for collaborative
// documents. It models a document as a replicated growable array (RGA, a
// causal tree): every inserted element carries a globally unique ID and
// anchors behind an existing element, deletions are tombstones, and
// concurrent siblings are ordered by a deterministic ID comparison. Two
// replicas that have received the same set of operations - in any order,
// with any amount of duplication - converge to bit-identical content and
// equal state vectors.
//
// The package focuses on:
//   - A state vector (VV) summarizing which operations a replica has
//     already incorporated, used for duplicate detection and minimal diffs
//   - A validated binary wire format for updates (single-origin op runs)
//     and patches (multi-origin op sets, used for diffs and relayed edits)
//   - The Replica type holding one document's merged state, with Apply /
//     ApplyPatch as the merge operations and DiffSince for catch-up
//
// Key Properties (upheld by the merge operations):
//
//   - Monotonicity: applying any valid update never moves the state vector
//     backwards; operations already covered by it are no-ops.
//   - Idempotence: applying the same update twice equals applying it once.
//   - Commutativity: updates from different origins may be applied in any
//     order. Operations from one origin are sequenced by their contiguous
//     seq counter; out-of-order arrivals are buffered until the gap fills.
//
// A Replica is not safe for concurrent use. Callers own exactly one Replica
// per document and must serialize access to it (see the group package).
// Distinct Replicas share no state, so merges for different documents can
// run concurrently without coordination.
package crdt
