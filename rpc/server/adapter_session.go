package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/presence"
	"github.com/ValentinKolb/dSync/lib/registry"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// presenceTTL is the logical lifetime of a presence entry; every handled
// message refreshes it, so only silent clients lapse.
const presenceTTL = 60 * time.Second

// NewSessionAdapter creates the adapter translating session messages into
// registry and presence operations.
func NewSessionAdapter(reg registry.IRegistry, tracker presence.ITracker) ISessionAdapter {
	return &sessionAdapterImpl{registry: reg, presence: tracker}
}

type sessionAdapterImpl struct {
	registry registry.IRegistry
	presence presence.ITracker
}

func (adapter *sessionAdapterImpl) Handle(ctx context.Context, sess SessionInfo, req *common.Message) *common.Message {
	// any client activity keeps the presence entry alive
	if err := adapter.presence.Heartbeat(ctx, sess.DocID, sess.ClientID, sess.Name, presenceTTL); err != nil {
		Logger.Warningf("presence heartbeat for %s@%s failed: %v", sess.ClientID, sess.DocID, err)
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTUpdate:
		_, err := adapter.registry.Submit(ctx, sess.DocID, sess.ClientID, sess.ConnID, req.Value)
		return common.NewUpdateResponse(err)

	case common.MsgTSync:
		vv, err := common.WireToVV(req.VV)
		if err != nil {
			return common.NewErrorResponse(fmt.Sprintf("invalid sync request: %s", err))
		}
		diff, serverVV, err := adapter.registry.DiffSince(ctx, sess.DocID, sess.ClientID, vv)
		if err != nil {
			return common.NewErrorResponse(fmt.Sprintf("sync failed: %s", err))
		}
		return common.NewSyncResponse(diff, serverVV)

	case common.MsgTCursor:
		if err := adapter.presence.SetCursor(ctx, sess.DocID, sess.ClientID, req.Value, presenceTTL); err != nil {
			return common.NewErrorResponse(fmt.Sprintf("cursor update failed: %s", err))
		}
		// cursors are fire-and-forget, no reply
		return nil

	case common.MsgTMembers:
		members, err := adapter.presence.AliveMembers(ctx, sess.DocID)
		if err != nil {
			return common.NewErrorResponse(fmt.Sprintf("members lookup failed: %s", err))
		}
		infos := make([]common.MemberInfo, len(members))
		for i, m := range members {
			infos[i] = common.MemberInfo{ClientID: m.ClientID, Name: m.Name}
		}
		return common.NewMembersResponse(infos)

	default:
		return common.NewErrorResponse(
			fmt.Sprintf("SessionAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
