package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Envelope Serialization
// --------------------------------------------------------------------------

// IEnvelopeSerializer converts envelopes to and from their wire form.
type IEnvelopeSerializer interface {
	// Serialize converts an envelope into a byte slice
	Serialize(env Envelope) ([]byte, error)
	// Deserialize converts a byte slice back into an envelope
	Deserialize(data []byte, env *Envelope) error
}

// NewJSONSerializer creates a serializer using encoding/json. This is the
// default: human-readable on the topic, interoperable with other tooling.
func NewJSONSerializer() IEnvelopeSerializer {
	return &jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

func (s jsonSerializerImpl) Serialize(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (s jsonSerializerImpl) Deserialize(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

// NewBinarySerializer creates a serializer using a custom binary format
// optimized for speed and efficiency.
func NewBinarySerializer() IEnvelopeSerializer {
	return &binarySerializerImpl{}
}

// binary layout: [version:1][docLen:4][docID][nodeLen:4][nodeID][payload...]
// The payload runs to the end of the buffer, no length prefix needed.
type binarySerializerImpl struct{}

const binaryEnvelopeVersion byte = 1

func (s binarySerializerImpl) Serialize(env Envelope) ([]byte, error) {
	buf := make([]byte, 0, 1+4+len(env.DocID)+4+len(env.NodeID)+len(env.Payload))
	buf = append(buf, binaryEnvelopeVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.DocID)))
	buf = append(buf, env.DocID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.NodeID)))
	buf = append(buf, env.NodeID...)
	buf = append(buf, env.Payload...)
	return buf, nil
}

func (s binarySerializerImpl) Deserialize(data []byte, env *Envelope) error {
	if len(data) < 1+4 {
		return fmt.Errorf("data too short for envelope header")
	}
	if data[0] != binaryEnvelopeVersion {
		return fmt.Errorf("unknown envelope version %d", data[0])
	}
	pos := 1

	docLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+docLen > len(data) {
		return fmt.Errorf("data too short for document id")
	}
	env.DocID = string(data[pos : pos+docLen])
	pos += docLen

	if pos+4 > len(data) {
		return fmt.Errorf("data too short for node id length")
	}
	nodeLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+nodeLen > len(data) {
		return fmt.Errorf("data too short for node id")
	}
	env.NodeID = string(data[pos : pos+nodeLen])
	pos += nodeLen

	env.Payload = make([]byte, len(data)-pos)
	copy(env.Payload, data[pos:])
	return nil
}
