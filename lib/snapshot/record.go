package snapshot

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
)

// Record value layout used by the embedded backends (document id and
// version live in the key):
//
//	[codecVersion:1][timestamp:8][vvLen:4][vv:vvLen][stateLen:4][state:stateLen]
//
// The state vector uses the crdt wire encoding so a record can be
// inspected without decoding the full state.

const recordCodecVersion byte = 1

func encodeRecord(vv crdt.VV, state []byte, ts time.Time) []byte {
	vvBytes := vv.Encode()
	buf := make([]byte, 0, 1+8+4+len(vvBytes)+4+len(state))
	buf = append(buf, recordCodecVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(vvBytes)))
	buf = append(buf, vvBytes...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(state)))
	buf = append(buf, state...)
	return buf
}

func decodeRecord(buf []byte) (vv crdt.VV, state []byte, ts time.Time, err error) {
	if len(buf) < 1+8+4 {
		return nil, nil, time.Time{}, fmt.Errorf("%w: short record (%d bytes)", ErrCorruptRecord, len(buf))
	}
	if buf[0] != recordCodecVersion {
		return nil, nil, time.Time{}, fmt.Errorf("%w: unknown codec version %d", ErrCorruptRecord, buf[0])
	}
	ts = time.Unix(0, int64(binary.BigEndian.Uint64(buf[1:9])))
	rest := buf[9:]

	vvLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < vvLen {
		return nil, nil, time.Time{}, fmt.Errorf("%w: truncated state vector", ErrCorruptRecord)
	}
	vv, n, err := crdt.DecodeVV(rest[:vvLen])
	if err != nil || uint32(n) != vvLen {
		return nil, nil, time.Time{}, fmt.Errorf("%w: bad state vector", ErrCorruptRecord)
	}
	rest = rest[vvLen:]

	if len(rest) < 4 {
		return nil, nil, time.Time{}, fmt.Errorf("%w: missing state length", ErrCorruptRecord)
	}
	stateLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) != stateLen {
		return nil, nil, time.Time{}, fmt.Errorf("%w: state length mismatch", ErrCorruptRecord)
	}
	state = make([]byte, stateLen)
	copy(state, rest)
	return vv, state, ts, nil
}
