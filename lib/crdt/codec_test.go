package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateRoundtrip(t *testing.T) {
	ops := []Op{
		InsertOp(ID{Src: 3, Seq: 1}, RootID, 'a'),
		InsertOp(ID{Src: 3, Seq: 2}, ID{Src: 3, Seq: 1}, 'b'),
		DeleteOp(ID{Src: 3, Seq: 3}, ID{Src: 3, Seq: 1}),
	}
	data := EncodeUpdate(3, 1, ops)

	got, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestDecodeUpdateRejectsTruncated(t *testing.T) {
	ops := []Op{
		InsertOp(ID{Src: 1, Seq: 1}, RootID, 'x'),
		DeleteOp(ID{Src: 1, Seq: 2}, ID{Src: 1, Seq: 1}),
	}
	data := EncodeUpdate(1, 1, ops)
	for cut := 0; cut < len(data); cut++ {
		_, err := DecodeUpdate(data[:cut])
		assert.ErrorIs(t, err, ErrMalformedUpdate, "cut at %d", cut)
	}
}

func TestDecodeUpdateRejectsTrailingBytes(t *testing.T) {
	data := EncodeUpdate(1, 1, []Op{InsertOp(ID{Src: 1, Seq: 1}, RootID, 'x')})
	data = append(data, 0xFF)
	_, err := DecodeUpdate(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDecodeUpdateRejectsBadKind(t *testing.T) {
	data := EncodeUpdate(1, 1, []Op{InsertOp(ID{Src: 1, Seq: 1}, RootID, 'x')})
	data[updateHeaderSize] = 99
	_, err := DecodeUpdate(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDecodeUpdateRejectsZeroFirstSeq(t *testing.T) {
	data := EncodeUpdate(1, 0, []Op{InsertOp(ID{Src: 1, Seq: 0}, RootID, 'x')})
	_, err := DecodeUpdate(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDecodeUpdateRejectsInvalidRune(t *testing.T) {
	data := EncodeUpdate(1, 1, []Op{InsertOp(ID{Src: 1, Seq: 1}, RootID, 'x')})
	// overwrite the rune with a surrogate code point
	pos := len(data) - 4
	data[pos] = 0x00
	data[pos+1] = 0x00
	data[pos+2] = 0xD8
	data[pos+3] = 0x00
	_, err := DecodeUpdate(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestDecodeUpdateRejectsDeleteOfRoot(t *testing.T) {
	data := EncodeUpdate(1, 1, []Op{DeleteOp(ID{Src: 1, Seq: 1}, RootID)})
	_, err := DecodeUpdate(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestEmptyUpdateIsValid(t *testing.T) {
	data := EncodeUpdate(1, 1, nil)
	ops, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestPatchRoundtrip(t *testing.T) {
	ops := []Op{
		InsertOp(ID{Src: 1, Seq: 1}, RootID, 'h'),
		InsertOp(ID{Src: 2, Seq: 1}, RootID, 'w'),
		DeleteOp(ID{Src: 2, Seq: 2}, ID{Src: 1, Seq: 1}),
	}
	data := EncodePatch(ops)

	got, err := DecodePatch(data)
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestEncodePatchEmptyIsNil(t *testing.T) {
	assert.Nil(t, EncodePatch(nil))

	ops, err := DecodePatch(nil)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDecodePatchRejectsTruncated(t *testing.T) {
	ops := []Op{
		InsertOp(ID{Src: 1, Seq: 1}, RootID, 'x'),
		DeleteOp(ID{Src: 2, Seq: 1}, ID{Src: 1, Seq: 1}),
	}
	data := EncodePatch(ops)
	for cut := 1; cut < len(data); cut++ {
		_, err := DecodePatch(data[:cut])
		assert.ErrorIs(t, err, ErrMalformedUpdate, "cut at %d", cut)
	}
}

func TestDecodePatchRejectsRootOpID(t *testing.T) {
	data := EncodePatch([]Op{InsertOp(RootID, RootID, 'x')})
	_, err := DecodePatch(data)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}
