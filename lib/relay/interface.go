package relay

import (
	"context"
	"errors"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Envelope is one published diff. NodeID identifies the publishing node so
// consumers can skip their own traffic; Payload is an opaque encoded diff
// (crdt patch bytes).
type Envelope struct {
	DocID   string `json:"docId"`
	NodeID  string `json:"nodeId"`
	Payload []byte `json:"payload"`
}

// Handler consumes envelopes from the stream. A handler receives every
// envelope, its own node's publications included; routing by document and
// filtering by node id are the consumer's job. Handlers must not block for
// long (the group merge path is fast by design).
type Handler func(env Envelope)

// IRelay is the interface for the cross-node diff stream.
//
// Thread-safety: implementations must be safe for concurrent use.
type IRelay interface {
	// Publish hands an envelope to the relay. The call must not block the
	// edit path: implementations enqueue and return; the context bounds
	// only the enqueue, never broker I/O.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers a handler for the whole stream and returns a
	// cancel function. The stream is not pre-filtered per document: a
	// consumer must see envelopes for documents it does not host yet,
	// because a relayed diff is one of the two events that bring a
	// document to life on a node.
	Subscribe(h Handler) (cancel func(), err error)
	// Close shuts the relay down. Queued but unsent envelopes may be lost.
	Close() error
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrRelayClosed is returned for operations on a closed relay.
	ErrRelayClosed = errors.New("relay: closed")
)
