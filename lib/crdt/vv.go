package crdt

import (
	"encoding/binary"
	"sort"
)

// VV is a state vector: the highest contiguously applied seq per origin
// replica. An operation (src, seq) is covered iff seq <= vv[src].
type VV map[uint64]uint64

// NewVV returns an empty state vector.
func NewVV() VV {
	return make(VV)
}

// Get returns the progress for the given origin (0 if unknown).
func (vv VV) Get(src uint64) uint64 {
	return vv[src]
}

// Put records progress for an origin. Lower values than the current
// progress are ignored, so Put never moves the vector backwards.
func (vv VV) Put(src, seq uint64) {
	if vv[src] < seq {
		vv[src] = seq
	}
}

// Covers reports whether the operation with the given ID is already
// reflected in the vector.
func (vv VV) Covers(id ID) bool {
	return id.Seq <= vv[id.Src]
}

// CoversAll reports whether every entry of other is covered by vv.
func (vv VV) CoversAll(other VV) bool {
	for src, seq := range other {
		if vv[src] < seq {
			return false
		}
	}
	return true
}

// Equal reports whether two vectors describe the same progress. Zero
// entries are treated as absent.
func (vv VV) Equal(other VV) bool {
	for src, seq := range vv {
		if seq != 0 && other[src] != seq {
			return false
		}
	}
	for src, seq := range other {
		if seq != 0 && vv[src] != seq {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the vector.
func (vv VV) Copy() VV {
	out := make(VV, len(vv))
	for src, seq := range vv {
		out[src] = seq
	}
	return out
}

// sources returns the origin ids in ascending order. Encoding uses this to
// keep the wire form deterministic.
func (vv VV) sources() []uint64 {
	srcs := make([]uint64, 0, len(vv))
	for src := range vv {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i] < srcs[j] })
	return srcs
}

// Encode serializes the vector as a count-prefixed list of (src, seq)
// pairs sorted by src. Zero entries are skipped.
func (vv VV) Encode() []byte {
	srcs := vv.sources()
	n := 0
	for _, src := range srcs {
		if vv[src] != 0 {
			n++
		}
	}
	out := make([]byte, 4+16*n)
	binary.BigEndian.PutUint32(out[0:4], uint32(n))
	pos := 4
	for _, src := range srcs {
		if vv[src] == 0 {
			continue
		}
		binary.BigEndian.PutUint64(out[pos:pos+8], src)
		binary.BigEndian.PutUint64(out[pos+8:pos+16], vv[src])
		pos += 16
	}
	return out
}

// DecodeVV parses an encoded state vector and returns it together with the
// number of bytes consumed.
func DecodeVV(data []byte) (VV, int, error) {
	if len(data) < 4 {
		return nil, 0, ErrMalformedUpdate
	}
	n := int(binary.BigEndian.Uint32(data[0:4]))
	need := 4 + 16*n
	if n < 0 || len(data) < need {
		return nil, 0, ErrMalformedUpdate
	}
	vv := make(VV, n)
	pos := 4
	for i := 0; i < n; i++ {
		src := binary.BigEndian.Uint64(data[pos : pos+8])
		seq := binary.BigEndian.Uint64(data[pos+8 : pos+16])
		if seq == 0 {
			return nil, 0, ErrMalformedUpdate
		}
		vv.Put(src, seq)
		pos += 16
	}
	return vv, need, nil
}
