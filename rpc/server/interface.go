package server

import (
	"context"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// SessionInfo identifies the session a message arrived on.
type SessionInfo struct {
	// DocID is the document the session is attached to
	DocID string
	// ClientID is the authenticated client identity
	ClientID string
	// ConnID is the unique connection id (the subscriber handle within
	// the group, used to skip the originator during fan-out)
	ConnID string
	// Name is the display name for presence
	Name string
}

// ISessionAdapter is the interface for session message handlers.
// It is responsible for handling requests and producing responses,
// independent of the websocket plumbing.
type ISessionAdapter interface {
	// Handle handles a request message and returns a response.
	// A nil response means the message needs no reply.
	// If an error occurs, it is set in the response.
	Handle(ctx context.Context, sess SessionInfo, req *common.Message) (resp *common.Message)
}
