package crdt

import (
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrMalformedUpdate marks a payload that fails structural validation
	// (truncated, corrupt, or out-of-bounds encoding). The replica state is
	// never touched when this is returned.
	ErrMalformedUpdate = errors.New("crdt: malformed update payload")

	// ErrCorruptState marks a persisted document state that cannot be
	// decoded. Callers treat the document as unavailable.
	ErrCorruptState = errors.New("crdt: corrupt document state")
)

// --------------------------------------------------------------------------
// Wire format constants
// --------------------------------------------------------------------------

const (
	updateCodecVersion byte = 1
	patchCodecVersion  byte = 1

	// maxWireOps bounds the op count of a single update or patch so a
	// hostile length prefix cannot trigger a huge allocation.
	maxWireOps = 1 << 20

	updateHeaderSize = 1 + 8 + 8 + 4 // version, src, first seq, op count
	patchHeaderSize  = 1 + 4         // version, op count
)

// opWireSize returns the encoded size of one op in patch form (explicit ID).
func opWireSize(op Op) int {
	if op.Kind == OpInsert {
		return 1 + 16 + 16 + 4
	}
	return 1 + 16 + 16
}

func putID(buf []byte, id ID) {
	binary.BigEndian.PutUint64(buf[0:8], id.Src)
	binary.BigEndian.PutUint64(buf[8:16], id.Seq)
}

func takeID(buf []byte) ID {
	return ID{
		Src: binary.BigEndian.Uint64(buf[0:8]),
		Seq: binary.BigEndian.Uint64(buf[8:16]),
	}
}

// --------------------------------------------------------------------------
// Update encoding (single origin, contiguous seq run)
// --------------------------------------------------------------------------

// EncodeUpdate serializes a contiguous run of operations from one origin.
// The i-th op is implicitly identified by (src, firstSeq+i); the ops slice
// must match that numbering. This is the payload clients submit.
func EncodeUpdate(src, firstSeq uint64, ops []Op) []byte {
	size := updateHeaderSize
	for _, op := range ops {
		size += opWireSize(op) - 16 // ID is implicit in update form
	}
	out := make([]byte, size)
	out[0] = updateCodecVersion
	binary.BigEndian.PutUint64(out[1:9], src)
	binary.BigEndian.PutUint64(out[9:17], firstSeq)
	binary.BigEndian.PutUint32(out[17:21], uint32(len(ops)))
	pos := updateHeaderSize
	for _, op := range ops {
		out[pos] = byte(op.Kind)
		pos++
		putID(out[pos:], op.Ref)
		pos += 16
		if op.Kind == OpInsert {
			binary.BigEndian.PutUint32(out[pos:pos+4], uint32(op.Rune))
			pos += 4
		}
	}
	return out
}

// DecodeUpdate validates and parses an update payload. It returns the ops
// with their explicit IDs filled in. All structural validation happens
// here, before any replica state is mutated.
func DecodeUpdate(data []byte) ([]Op, error) {
	if len(data) < updateHeaderSize || data[0] != updateCodecVersion {
		return nil, ErrMalformedUpdate
	}
	src := binary.BigEndian.Uint64(data[1:9])
	firstSeq := binary.BigEndian.Uint64(data[9:17])
	count := int(binary.BigEndian.Uint32(data[17:21]))
	if firstSeq == 0 || count > maxWireOps {
		return nil, ErrMalformedUpdate
	}
	ops := make([]Op, 0, count)
	pos := updateHeaderSize
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, ErrMalformedUpdate
		}
		kind := OpKind(data[pos])
		pos++
		switch kind {
		case OpInsert:
			if pos+20 > len(data) {
				return nil, ErrMalformedUpdate
			}
			ref := takeID(data[pos:])
			r := rune(binary.BigEndian.Uint32(data[pos+16 : pos+20]))
			if !utf8.ValidRune(r) {
				return nil, ErrMalformedUpdate
			}
			pos += 20
			ops = append(ops, InsertOp(ID{Src: src, Seq: firstSeq + uint64(i)}, ref, r))
		case OpDelete:
			if pos+16 > len(data) {
				return nil, ErrMalformedUpdate
			}
			target := takeID(data[pos:])
			if target.IsRoot() {
				return nil, ErrMalformedUpdate
			}
			pos += 16
			ops = append(ops, DeleteOp(ID{Src: src, Seq: firstSeq + uint64(i)}, target))
		default:
			return nil, ErrMalformedUpdate
		}
	}
	if pos != len(data) {
		return nil, ErrMalformedUpdate
	}
	return ops, nil
}

// --------------------------------------------------------------------------
// Patch encoding (multi origin op set: diffs, relayed edits, catch-up)
// --------------------------------------------------------------------------

// EncodePatch serializes an arbitrary op set with explicit IDs. Patches are
// what the broadcaster fans out and what the relay carries between nodes.
// An empty op set encodes to nil, which callers use as "nothing changed".
func EncodePatch(ops []Op) []byte {
	if len(ops) == 0 {
		return nil
	}
	size := patchHeaderSize
	for _, op := range ops {
		size += opWireSize(op)
	}
	out := make([]byte, size)
	out[0] = patchCodecVersion
	binary.BigEndian.PutUint32(out[1:5], uint32(len(ops)))
	pos := patchHeaderSize
	for _, op := range ops {
		out[pos] = byte(op.Kind)
		pos++
		putID(out[pos:], op.ID)
		pos += 16
		putID(out[pos:], op.Ref)
		pos += 16
		if op.Kind == OpInsert {
			binary.BigEndian.PutUint32(out[pos:pos+4], uint32(op.Rune))
			pos += 4
		}
	}
	return out
}

// DecodePatch validates and parses a patch payload. A nil or empty payload
// is a valid empty patch.
func DecodePatch(data []byte) ([]Op, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < patchHeaderSize || data[0] != patchCodecVersion {
		return nil, ErrMalformedUpdate
	}
	count := int(binary.BigEndian.Uint32(data[1:5]))
	if count == 0 || count > maxWireOps {
		return nil, ErrMalformedUpdate
	}
	ops := make([]Op, 0, count)
	pos := patchHeaderSize
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			return nil, ErrMalformedUpdate
		}
		kind := OpKind(data[pos])
		pos++
		if pos+32 > len(data) {
			return nil, ErrMalformedUpdate
		}
		id := takeID(data[pos:])
		ref := takeID(data[pos+16:])
		pos += 32
		if id.IsRoot() || id.Seq == 0 {
			return nil, ErrMalformedUpdate
		}
		switch kind {
		case OpInsert:
			if pos+4 > len(data) {
				return nil, ErrMalformedUpdate
			}
			r := rune(binary.BigEndian.Uint32(data[pos : pos+4]))
			if !utf8.ValidRune(r) {
				return nil, ErrMalformedUpdate
			}
			pos += 4
			ops = append(ops, InsertOp(id, ref, r))
		case OpDelete:
			if ref.IsRoot() {
				return nil, ErrMalformedUpdate
			}
			ops = append(ops, DeleteOp(id, ref))
		default:
			return nil, ErrMalformedUpdate
		}
	}
	if pos != len(data) {
		return nil, ErrMalformedUpdate
	}
	return ops, nil
}
