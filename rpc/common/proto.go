package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/crdt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message exchanged over a collaboration
// session. Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Value []byte            `json:"value,omitempty"` // Used for: Update (encoded update), Diff (encoded patch), Sync response (encoded patch), Cursor (opaque blob)
	VV    map[string]uint64 `json:"vv,omitempty"`    // Used for: Sync request (client progress), Sync response (server progress)

	// Presence fields
	Members []MemberInfo `json:"members,omitempty"` // Used for: Members response

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Update, Cursor responses
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message
}

// MemberInfo is one active participant in a Members response.
type MemberInfo struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
}

// --------------------------------------------------------------------------
// State Vector Conversion
// --------------------------------------------------------------------------

// VVToWire converts a state vector into its JSON-friendly wire form
// (origin ids as decimal strings).
func VVToWire(vv crdt.VV) map[string]uint64 {
	if len(vv) == 0 {
		return nil
	}
	wire := make(map[string]uint64, len(vv))
	for src, seq := range vv {
		if seq == 0 {
			continue
		}
		wire[fmt.Sprintf("%d", src)] = seq
	}
	return wire
}

// WireToVV converts the wire form back into a state vector. Unparsable
// origin ids are an error (a malformed sync request must not silently
// degrade into a full resend).
func WireToVV(wire map[string]uint64) (crdt.VV, error) {
	vv := make(crdt.VV, len(wire))
	for src, seq := range wire {
		var id uint64
		if _, err := fmt.Sscanf(src, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid origin id %q: %w", src, err)
		}
		vv.Put(id, seq)
	}
	return vv, nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewUpdateMessage creates an update submission (client to server).
func NewUpdateMessage(update []byte) *Message {
	return &Message{
		MsgType: MsgTUpdate,
		Value:   update,
	}
}

// NewUpdateResponse acknowledges an update submission.
func NewUpdateResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTUpdate,
		Ok:      err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewDiffMessage creates a diff broadcast (server to client).
func NewDiffMessage(diff []byte) *Message {
	return &Message{
		MsgType: MsgTDiff,
		Value:   diff,
	}
}

// NewSyncRequest creates a catch-up request carrying the client's current
// state vector.
func NewSyncRequest(vv crdt.VV) *Message {
	return &Message{
		MsgType: MsgTSync,
		VV:      VVToWire(vv),
	}
}

// NewSyncResponse answers a catch-up request with the missing patch and
// the server's state vector.
func NewSyncResponse(diff []byte, vv crdt.VV) *Message {
	return &Message{
		MsgType: MsgTSync,
		Value:   diff,
		VV:      VVToWire(vv),
		Ok:      true,
	}
}

// NewCursorMessage creates a cursor/awareness submission.
func NewCursorMessage(data []byte) *Message {
	return &Message{
		MsgType: MsgTCursor,
		Value:   data,
	}
}

// NewMembersRequest creates a presence listing request.
func NewMembersRequest() *Message {
	return &Message{MsgType: MsgTMembers}
}

// NewMembersResponse lists the currently active participants.
func NewMembersResponse(members []MemberInfo) *Message {
	return &Message{
		MsgType: MsgTMembers,
		Members: members,
		Ok:      true,
	}
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in session communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTUpdate:
		return "update"
	case MsgTDiff:
		return "diff"
	case MsgTSync:
		return "sync"
	case MsgTCursor:
		return "cursor"
	case MsgTMembers:
		return "members"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "update":
		*t = MsgTUpdate
	case "diff":
		*t = MsgTDiff
	case "sync":
		*t = MsgTSync
	case "cursor":
		*t = MsgTCursor
	case "members":
		*t = MsgTMembers
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Session operations

	MsgTUpdate  // Submit a local update (client) / acknowledge it (server)
	MsgTDiff    // Push a committed diff to subscribers
	MsgTSync    // Catch-up: state vector in, missing patch out
	MsgTCursor  // Publish cursor/awareness state
	MsgTMembers // List active participants
)
