package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() ISessionSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements ISessionSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasValue   byte = 1 << 0
	hasVV      byte = 1 << 1
	hasMembers byte = 1 << 2
	hasOk      byte = 1 << 3
	hasErr     byte = 1 << 4
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISessionSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, 2, b.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags byte (written last, once all fields are known)
	var flags byte = 0

	// Handle Value
	if msg.Value != nil {
		flags |= hasValue
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Value)))
		result = append(result, msg.Value...)
	}

	// Handle VV
	if msg.VV != nil {
		flags |= hasVV
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.VV)))
		for src, seq := range msg.VV {
			result = binary.BigEndian.AppendUint32(result, uint32(len(src)))
			result = append(result, src...)
			result = binary.BigEndian.AppendUint64(result, seq)
		}
	}

	// Handle Members
	if msg.Members != nil {
		flags |= hasMembers
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Members)))
		for _, m := range msg.Members {
			result = binary.BigEndian.AppendUint32(result, uint32(len(m.ClientID)))
			result = append(result, m.ClientID...)
			result = binary.BigEndian.AppendUint32(result, uint32(len(m.Name)))
			result = append(result, m.Name...)
		}
	}

	// Handle Ok
	if msg.Ok {
		flags |= hasOk
		result = append(result, 1)
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		result = binary.BigEndian.AppendUint32(result, uint32(len(msg.Err)))
		result = append(result, msg.Err...)
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	// Read flags
	flags := data[1]

	// Initialize read position
	pos := 2

	// Read Value if present
	if flags&hasValue != 0 {
		valueLen, err := readLen(data, &pos, "value")
		if err != nil {
			return err
		}
		msg.Value = make([]byte, valueLen)
		copy(msg.Value, data[pos:pos+valueLen])
		pos += valueLen
	} else {
		msg.Value = nil
	}

	// Read VV if present
	if flags&hasVV != 0 {
		count, err := readCount(data, &pos, "state vector")
		if err != nil {
			return err
		}
		msg.VV = make(map[string]uint64, count)
		for i := 0; i < count; i++ {
			srcLen, err := readLen(data, &pos, "state vector origin")
			if err != nil {
				return err
			}
			src := string(data[pos : pos+srcLen])
			pos += srcLen
			if pos+8 > len(data) {
				return fmt.Errorf("data too short for state vector seq")
			}
			msg.VV[src] = binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
		}
	} else {
		msg.VV = nil
	}

	// Read Members if present
	if flags&hasMembers != 0 {
		count, err := readCount(data, &pos, "members")
		if err != nil {
			return err
		}
		msg.Members = make([]common.MemberInfo, 0, count)
		for i := 0; i < count; i++ {
			idLen, err := readLen(data, &pos, "member id")
			if err != nil {
				return err
			}
			id := string(data[pos : pos+idLen])
			pos += idLen

			nameLen, err := readLen(data, &pos, "member name")
			if err != nil {
				return err
			}
			name := string(data[pos : pos+nameLen])
			pos += nameLen

			msg.Members = append(msg.Members, common.MemberInfo{ClientID: id, Name: name})
		}
	} else {
		msg.Members = nil
	}

	// Read Ok if present
	if flags&hasOk != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for Ok flag")
		}
		msg.Ok = data[pos] != 0
		pos += 1
	} else {
		msg.Ok = false
	}

	// Read Err if present
	if flags&hasErr != 0 {
		errLen, err := readLen(data, &pos, "error")
		if err != nil {
			return err
		}
		msg.Err = string(data[pos : pos+errLen])
		pos += errLen
	} else {
		msg.Err = ""
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readLen reads a length prefix and validates the remaining data covers it
func readLen(data []byte, pos *int, field string) (int, error) {
	if *pos+4 > len(data) {
		return 0, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[*pos : *pos+4]))
	*pos += 4
	if n < 0 || *pos+n > len(data) {
		return 0, fmt.Errorf("data too short for %s data", field)
	}
	return n, nil
}

// readCount reads an element count prefix (the element parsers validate
// byte coverage as they go)
func readCount(data []byte, pos *int, field string) (int, error) {
	if *pos+4 > len(data) {
		return 0, fmt.Errorf("data too short for %s count", field)
	}
	n := int(binary.BigEndian.Uint32(data[*pos : *pos+4]))
	*pos += 4
	// every element needs at least 4 more bytes, so the count is bounded
	// by the remaining payload
	if n > len(data)-*pos {
		return 0, fmt.Errorf("%s count %d exceeds payload", field, n)
	}
	return n, nil
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	// Add sizes for fields that require length encoding
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.VV != nil {
		size += 4
		for src := range msg.VV {
			size += 4 + len(src) + 8
		}
	}
	if msg.Members != nil {
		size += 4
		for _, m := range msg.Members {
			size += 4 + len(m.ClientID) + 4 + len(m.Name)
		}
	}
	if msg.Ok {
		size += 1
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}

	return size
}
