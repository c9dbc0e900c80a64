package crdt

import (
	"fmt"
)

// ID identifies a single operation: the origin replica (Src) and the
// origin-local sequence number (Seq). Seq counters are contiguous and start
// at 1; the zero ID is reserved as the anchor of the first insert (the
// document root).
type ID struct {
	Src uint64
	Seq uint64
}

// RootID is the anchor for inserts at the head of the document.
var RootID = ID{}

// IsRoot reports whether the ID is the reserved document root.
func (id ID) IsRoot() bool {
	return id.Src == 0 && id.Seq == 0
}

// Next returns the ID of the next operation from the same origin.
func (id ID) Next() ID {
	return ID{Src: id.Src, Seq: id.Seq + 1}
}

// Older reports whether id sorts before other in the sibling order of the
// causal tree. Siblings are visited newest-first, so the element with the
// higher (Seq, Src) wins the position closest to the shared anchor. Any
// total order works for convergence; this one matches RGA's
// newest-insert-first behavior.
func (id ID) Older(other ID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Src < other.Src
}

// String formats the ID as "src-seq" (for logs and test failures).
func (id ID) String() string {
	return fmt.Sprintf("%d-%d", id.Src, id.Seq)
}
