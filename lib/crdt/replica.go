package crdt

import (
	"encoding/binary"
	"errors"
	"sort"
)

// ErrTooManyPending is returned when the buffer of not-yet-applicable
// operations (same-origin sequence gaps, missing anchors) exceeds its
// limit. The offending payload is rejected; replica state is unchanged.
var ErrTooManyPending = errors.New("crdt: pending operation limit exceeded")

// maxPendingOps bounds the out-of-order buffer per document.
const maxPendingOps = 1 << 18

// --------------------------------------------------------------------------
// Internal tree structure
// --------------------------------------------------------------------------

// node is one element of the causal tree. Children are kept sorted
// newest-first (see ID.Older), which fixes the document order for
// concurrent inserts behind the same anchor.
type node struct {
	id       ID
	ref      ID
	r        rune
	deleted  bool
	delID    ID
	children []*node
}

// insertChild places c into the sibling order. Position is found by binary
// search; siblings are sorted descending, newest first.
func (n *node) insertChild(c *node) {
	idx := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].id.Older(c.id)
	})
	n.children = append(n.children, nil)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = c
}

// --------------------------------------------------------------------------
// Replica
// --------------------------------------------------------------------------

// Replica is the authoritative merged state of one document: the causal
// tree, the state vector, and a buffer for operations that arrived before
// their prerequisites.
//
// Thread-safety: a Replica is NOT safe for concurrent use; the owning group
// serializes all access.
type Replica struct {
	nodes   map[ID]*node
	root    *node
	vv      VV
	pending map[ID]Op
	// extraDeletes keeps deletes whose target was already a tombstone.
	// They carry no content change but must survive in the state so that
	// DiffSince can reproduce the exact op set behind the state vector.
	extraDeletes map[ID]Op
	live         int
}

// NewReplica returns an empty document replica.
func NewReplica() *Replica {
	root := &node{}
	return &Replica{
		nodes:        map[ID]*node{RootID: root},
		root:         root,
		vv:           NewVV(),
		pending:      make(map[ID]Op),
		extraDeletes: make(map[ID]Op),
	}
}

// VV returns a copy of the replica's state vector.
func (r *Replica) VV() VV {
	return r.vv.Copy()
}

// Len returns the number of live (non-tombstone) elements.
func (r *Replica) Len() int {
	return r.live
}

// PendingOps returns the number of buffered, not-yet-applicable ops.
func (r *Replica) PendingOps() int {
	return len(r.pending)
}

// --------------------------------------------------------------------------
// Merge operations
// --------------------------------------------------------------------------

// Apply merges a single-origin update payload into the replica.
//
// The returned diff is the minimal patch an observer at the replica's prior
// state vector needs to reach the new state - never the full document. A
// fully covered (duplicate) update is a successful no-op with a nil diff.
// Malformed payloads are rejected with ErrMalformedUpdate before any state
// is touched.
func (r *Replica) Apply(update []byte) ([]byte, error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return r.merge(ops)
}

// ApplyPatch merges a multi-origin patch payload (a diff produced by a peer
// replica). Semantics match Apply.
func (r *Replica) ApplyPatch(patch []byte) ([]byte, error) {
	ops, err := DecodePatch(patch)
	if err != nil {
		return nil, err
	}
	return r.merge(ops)
}

// merge stages the decoded ops and drains everything that became
// applicable. It returns the encoded patch of ops actually applied in this
// call, in application order.
func (r *Replica) merge(ops []Op) ([]byte, error) {
	var staged []ID
	for _, op := range ops {
		if r.vv.Covers(op.ID) {
			continue // duplicate or already merged
		}
		if _, ok := r.pending[op.ID]; ok {
			continue
		}
		if len(r.pending) >= maxPendingOps {
			// roll back what this call staged, reject the payload
			for _, id := range staged {
				delete(r.pending, id)
			}
			return nil, ErrTooManyPending
		}
		r.pending[op.ID] = op
		staged = append(staged, op.ID)
	}
	applied := r.drain()
	return EncodePatch(applied), nil
}

// drain repeatedly applies pending ops until no further progress is made.
// Each pass walks the buffer in (src, seq) order so application order is
// deterministic.
func (r *Replica) drain() []Op {
	var applied []Op
	for {
		progress := false
		for _, op := range r.sortedPending() {
			if r.applicable(op) {
				r.apply(op)
				applied = append(applied, op)
				delete(r.pending, op.ID)
				progress = true
			} else if r.vv.Covers(op.ID) {
				// a concurrent duplicate became covered mid-drain
				delete(r.pending, op.ID)
			}
		}
		if !progress {
			return applied
		}
	}
}

func (r *Replica) sortedPending() []Op {
	ops := make([]Op, 0, len(r.pending))
	for _, op := range r.pending {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Src != ops[j].ID.Src {
			return ops[i].ID.Src < ops[j].ID.Src
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})
	return ops
}

// applicable checks the two prerequisites of an op: its origin sequence is
// next in line, and its anchor/target element is present.
func (r *Replica) applicable(op Op) bool {
	if op.ID.Seq != r.vv.Get(op.ID.Src)+1 {
		return false
	}
	_, ok := r.nodes[op.Ref]
	return ok
}

// apply commits one applicable op to the tree and the state vector.
func (r *Replica) apply(op Op) {
	switch op.Kind {
	case OpInsert:
		parent := r.nodes[op.Ref]
		n := &node{id: op.ID, ref: op.Ref, r: op.Rune}
		r.nodes[op.ID] = n
		parent.insertChild(n)
		r.live++
	case OpDelete:
		target := r.nodes[op.Ref]
		switch {
		case !target.deleted:
			target.deleted = true
			target.delID = op.ID
			r.live--
		case op.ID.Older(target.delID):
			// normalize: the oldest delete owns the tombstone so the
			// encoded state is identical on every replica
			r.extraDeletes[target.delID] = DeleteOp(target.delID, op.Ref)
			target.delID = op.ID
		default:
			r.extraDeletes[op.ID] = op
		}
	}
	r.vv.Put(op.ID.Src, op.ID.Seq)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Content renders the merged document text: depth-first walk of the causal
// tree, tombstones skipped. Replicas holding the same op set produce
// byte-identical output.
func (r *Replica) Content() string {
	buf := make([]rune, 0, r.live)
	var walk func(n *node)
	walk = func(n *node) {
		if n != r.root && !n.deleted {
			buf = append(buf, n.r)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)
	return string(buf)
}

// DiffSince returns the patch that brings an observer at the given state
// vector up to this replica's state. Only ops above the observer's vector
// are included; a fully caught-up observer gets nil.
func (r *Replica) DiffSince(vv VV) []byte {
	var ops []Op
	var walk func(n *node)
	walk = func(n *node) {
		if n != r.root {
			if !vv.Covers(n.id) {
				ops = append(ops, InsertOp(n.id, n.ref, n.r))
			}
			if n.deleted && !vv.Covers(n.delID) {
				ops = append(ops, DeleteOp(n.delID, n.id))
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)
	extras := make([]Op, 0, len(r.extraDeletes))
	for id, op := range r.extraDeletes {
		if !vv.Covers(id) {
			extras = append(extras, op)
		}
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i].ID.Older(extras[j].ID) })
	ops = append(ops, extras...)
	return EncodePatch(ops)
}

// --------------------------------------------------------------------------
// State serialization (snapshots)
// --------------------------------------------------------------------------

var stateMagic = [4]byte{'D', 'S', 'S', 'T'}

const stateCodecVersion byte = 1

// EncodeState serializes the full replica state for snapshotting. Buffered
// pending ops are intentionally excluded: they are not covered by the state
// vector, so the at-least-once relay redelivers them after rehydration.
func (r *Replica) EncodeState() []byte {
	vvBytes := r.vv.Encode()

	nodes := make([]*node, 0, len(r.nodes)-1)
	var walk func(n *node)
	walk = func(n *node) {
		if n != r.root {
			nodes = append(nodes, n)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)

	size := 4 + 1 + len(vvBytes) + 4 + 4
	for _, n := range nodes {
		size += 16 + 16 + 4 + 1
		if n.deleted {
			size += 16
		}
	}
	size += len(r.extraDeletes) * 32

	out := make([]byte, size)
	copy(out[0:4], stateMagic[:])
	out[4] = stateCodecVersion
	pos := 5
	copy(out[pos:], vvBytes)
	pos += len(vvBytes)

	binary.BigEndian.PutUint32(out[pos:pos+4], uint32(len(nodes)))
	pos += 4
	for _, n := range nodes {
		putID(out[pos:], n.id)
		putID(out[pos+16:], n.ref)
		binary.BigEndian.PutUint32(out[pos+32:pos+36], uint32(n.r))
		pos += 36
		if n.deleted {
			out[pos] = 1
			pos++
			putID(out[pos:], n.delID)
			pos += 16
		} else {
			out[pos] = 0
			pos++
		}
	}

	extras := make([]Op, 0, len(r.extraDeletes))
	for _, op := range r.extraDeletes {
		extras = append(extras, op)
	}
	sort.Slice(extras, func(i, j int) bool { return extras[i].ID.Older(extras[j].ID) })
	binary.BigEndian.PutUint32(out[pos:pos+4], uint32(len(extras)))
	pos += 4
	for _, op := range extras {
		putID(out[pos:], op.ID)
		putID(out[pos+16:], op.Ref)
		pos += 32
	}
	return out
}

// DecodeState rebuilds a replica from a snapshot produced by EncodeState.
// Any structural damage yields ErrCorruptState.
func DecodeState(data []byte) (*Replica, error) {
	if len(data) < 5 || string(data[0:4]) != string(stateMagic[:]) || data[4] != stateCodecVersion {
		return nil, ErrCorruptState
	}
	vv, n, err := DecodeVV(data[5:])
	if err != nil {
		return nil, ErrCorruptState
	}
	pos := 5 + n

	r := NewReplica()
	r.vv = vv

	if pos+4 > len(data) {
		return nil, ErrCorruptState
	}
	nodeCount := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if nodeCount > maxWireOps {
		return nil, ErrCorruptState
	}
	for i := 0; i < nodeCount; i++ {
		if pos+37 > len(data) {
			return nil, ErrCorruptState
		}
		id := takeID(data[pos:])
		ref := takeID(data[pos+16:])
		rn := rune(binary.BigEndian.Uint32(data[pos+32 : pos+36]))
		flag := data[pos+36]
		pos += 37
		if id.IsRoot() || !vv.Covers(id) || flag > 1 {
			return nil, ErrCorruptState
		}
		parent, ok := r.nodes[ref]
		if !ok {
			// nodes are written parent-first, so a missing anchor means
			// the snapshot is damaged
			return nil, ErrCorruptState
		}
		nd := &node{id: id, ref: ref, r: rn}
		if flag == 1 {
			if pos+16 > len(data) {
				return nil, ErrCorruptState
			}
			nd.deleted = true
			nd.delID = takeID(data[pos:])
			pos += 16
			if !vv.Covers(nd.delID) {
				return nil, ErrCorruptState
			}
		} else {
			r.live++
		}
		if _, dup := r.nodes[id]; dup {
			return nil, ErrCorruptState
		}
		r.nodes[id] = nd
		parent.insertChild(nd)
	}

	if pos+4 > len(data) {
		return nil, ErrCorruptState
	}
	extraCount := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if extraCount > maxWireOps {
		return nil, ErrCorruptState
	}
	for i := 0; i < extraCount; i++ {
		if pos+32 > len(data) {
			return nil, ErrCorruptState
		}
		id := takeID(data[pos:])
		target := takeID(data[pos+16:])
		pos += 32
		if !vv.Covers(id) {
			return nil, ErrCorruptState
		}
		if _, ok := r.nodes[target]; !ok {
			return nil, ErrCorruptState
		}
		r.extraDeletes[id] = DeleteOp(id, target)
	}
	if pos != len(data) {
		return nil, ErrCorruptState
	}
	return r, nil
}
