package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer survives; pings go out at
	// pingPeriod (< pongWait)
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound frames (a large paste still fits)
	maxMessageSize = 1 << 20
	// sendQueueSize is the per-session outbound buffer; a session that
	// cannot drain it is detached from the group
	sendQueueSize = 64
)

var (
	sessionsActive = metrics.GetOrCreateCounter(`dsync_server_sessions_active`)
	sessionsTotal  = metrics.GetOrCreateCounter(`dsync_server_sessions_total`)
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// cross-origin is the normal case for editor frontends; admission is
	// handled by the authorizer, not the origin header
	CheckOrigin: func(*http.Request) bool { return true },
}

// session is one websocket connection attached to one document. It
// implements group.Subscriber: committed diffs arrive as pre-serialized
// frames and go on the outbound queue without blocking the merge path.
type session struct {
	ws     *websocket.Conn
	server *CollabServer
	info   SessionInfo

	// send carries pre-serialized frames. Closed by handleSession after
	// the group detach, never earlier: the group mutex guarantees no
	// Send is in flight once Detach has returned.
	send chan []byte
}

// --------------------------------------------------------------------------
// group.Subscriber implementation
// --------------------------------------------------------------------------

func (s *session) ID() string { return s.info.ConnID }

// Send enqueues a committed diff frame for delivery. The frame is built
// once per commit by the group (registry.Config.EncodeDiff), not here.
// Returns false when the outbound queue is full (the group then detaches
// this session; the client recovers via sync after noticing the dropped
// connection).
func (s *session) Send(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Websocket handling
// --------------------------------------------------------------------------

// handleSession upgrades the connection and runs the session until the
// peer disconnects or misbehaves.
func (s *CollabServer) handleSession(c *gin.Context) {
	info := SessionInfo{
		DocID:    c.Param("id"),
		ClientID: c.Query("client"),
		Name:     c.Query("name"),
		ConnID:   uuid.NewString(),
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		Logger.Warningf("upgrade failed for %s: %v", info.DocID, err)
		return
	}

	sess := &session{
		ws:     ws,
		server: s,
		info:   info,
		send:   make(chan []byte, sendQueueSize),
	}

	// admission happens before the session joins the group; a refused
	// client gets one error frame and the connection is closed
	if err := s.registry.Attach(c.Request.Context(), info.DocID, info.ClientID, sess); err != nil {
		Logger.Infof("attach refused for %s@%s: %v", info.ClientID, info.DocID, err)
		if data, serr := s.serializer.Serialize(*common.NewErrorResponse(err.Error())); serr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.BinaryMessage, data)
		}
		_ = ws.Close()
		return
	}

	// the client is visible to members listings from the moment it joins,
	// not only after its first message
	if err := s.presence.Heartbeat(c.Request.Context(), info.DocID, info.ClientID, info.Name, presenceTTL); err != nil {
		Logger.Warningf("presence heartbeat for %s@%s: %v", info.ClientID, info.DocID, err)
	}

	sessionsTotal.Inc()
	sessionsActive.Inc()
	Logger.Infof("session %s: %s joined %s", info.ConnID, info.ClientID, info.DocID)

	go sess.writeLoop()
	sess.readLoop()

	// teardown order is load-bearing: detach first, so no group fan-out
	// can race the channel close, then stop the write loop
	s.registry.Detach(info.DocID, info.ConnID)
	close(sess.send)
	if err := s.presence.Leave(context.Background(), info.DocID, info.ClientID); err != nil {
		Logger.Warningf("presence leave for %s@%s: %v", info.ClientID, info.DocID, err)
	}
	sessionsActive.Dec()
	Logger.Infof("session %s: %s left %s", info.ConnID, info.ClientID, info.DocID)
}

// readLoop consumes inbound frames and dispatches them to the session
// adapter. It returns on read error; handleSession then detaches the
// session and closes the send channel.
func (s *session) readLoop() {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				Logger.Warningf("session %s: read: %v", s.info.ConnID, err)
			}
			return
		}

		var req common.Message
		if err := s.server.serializer.Deserialize(data, &req); err != nil {
			s.enqueue(common.NewErrorResponse("undecodable message"))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		resp := s.server.adapter.Handle(ctx, s.info, &req)
		cancel()

		if resp != nil {
			s.enqueue(resp)
		}
	}
}

// enqueue serializes a response onto the outbound queue; like diffs, a
// full queue means the message is dropped (the peer is too slow anyway).
func (s *session) enqueue(msg *common.Message) {
	data, err := s.server.serializer.Serialize(*msg)
	if err != nil {
		Logger.Errorf("serialize response for %s: %v", s.info.ConnID, err)
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// writeLoop drains the outbound queue and keeps the connection alive
// with pings.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
