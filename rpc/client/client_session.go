package client

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/gorilla/websocket"
)

// ISessionClient is a client side session on one document. Requests run
// one at a time over the underlying websocket; diffs pushed by the server
// arrive on the Diffs channel independently of any request.
type ISessionClient interface {
	// Submit sends a local update and waits for the acknowledgement.
	Submit(update []byte) error
	// Sync sends the client's state vector and returns the missing patch
	// together with the server's state vector.
	Sync(vv crdt.VV) (diff []byte, serverVV crdt.VV, err error)
	// PublishCursor sends a cursor/awareness blob. Fire-and-forget, the
	// server sends no reply.
	PublishCursor(blob []byte) error
	// Members lists the document's active participants.
	Members() ([]common.MemberInfo, error)
	// Diffs returns the channel of committed diffs pushed by the server.
	// It is closed when the connection ends.
	Diffs() <-chan []byte
	// Close ends the session.
	Close() error
}

// NewSessionClient dials the server and attaches to the configured
// document. The returned client is safe for concurrent use.
func NewSessionClient(
	config common.ClientConfig,
	ser serializer.ISessionSerializer,
) (ISessionClient, error) {
	endpoint := fmt.Sprintf(
		"%s/v1/docs/%s/ws?client=%s&name=%s",
		config.Endpoint,
		url.PathEscape(config.DocID),
		url.QueryEscape(config.ClientID),
		url.QueryEscape(config.Name),
	)

	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("session client - dial %s: %w", endpoint, err)
	}

	c := &sessionClient{
		config:     config,
		serializer: ser,
		ws:         ws,
		diffs:      make(chan []byte, 64),
		resp:       make(chan *common.Message, 1),
		done:       make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

type sessionClient struct {
	config     common.ClientConfig
	serializer serializer.ISessionSerializer
	ws         *websocket.Conn

	// reqMu serializes request/response roundtrips
	reqMu sync.Mutex
	// writeMu guards concurrent frame writes (cursor publishes bypass reqMu)
	writeMu sync.Mutex

	diffs chan []byte
	resp  chan *common.Message

	closeOnce sync.Once
	done      chan struct{}
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

func (c *sessionClient) Submit(update []byte) error {
	_, err := c.request(common.NewUpdateMessage(update))
	return err
}

func (c *sessionClient) Sync(vv crdt.VV) ([]byte, crdt.VV, error) {
	resp, err := c.request(common.NewSyncRequest(vv))
	if err != nil {
		return nil, nil, err
	}
	serverVV, err := common.WireToVV(resp.VV)
	if err != nil {
		return nil, nil, fmt.Errorf("session client - invalid sync response: %w", err)
	}
	return resp.Value, serverVV, nil
}

func (c *sessionClient) PublishCursor(blob []byte) error {
	return c.write(common.NewCursorMessage(blob))
}

func (c *sessionClient) Members() ([]common.MemberInfo, error) {
	resp, err := c.request(common.NewMembersRequest())
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *sessionClient) Diffs() <-chan []byte {
	return c.diffs
}

func (c *sessionClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Internals
// --------------------------------------------------------------------------

// write serializes and sends one frame without waiting for a reply.
func (c *sessionClient) write(msg *common.Message) error {
	data, err := c.serializer.Serialize(*msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// request performs one request/response roundtrip. Like the server side,
// it checks for error responses and a matching response type.
func (c *sessionClient) request(req *common.Message) (*common.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.write(req); err != nil {
		return nil, err
	}

	timeout := c.config.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case resp := <-c.resp:
		// Check if the response is an error response
		if resp.MsgType == common.MsgTError || resp.Err != "" {
			return nil, fmt.Errorf("session client - server error: %s", resp.Err)
		}
		// Check if the type of the response is the expected type
		if resp.MsgType != req.MsgType {
			return nil, fmt.Errorf("session client - unexpected message type: %s, expected %s", resp.MsgType, req.MsgType)
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("session client - timeout waiting for %s response", req.MsgType)
	case <-c.done:
		return nil, fmt.Errorf("session client - connection closed")
	}
}

// readLoop routes inbound frames: pushed diffs go to the diffs channel,
// everything else answers the pending request.
func (c *sessionClient) readLoop() {
	defer close(c.diffs)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				Logger.Warningf("session client - read: %v", err)
			}
			return
		}

		msg := &common.Message{}
		if err := c.serializer.Deserialize(data, msg); err != nil {
			Logger.Warningf("session client - undecodable frame: %v", err)
			continue
		}

		if msg.MsgType == common.MsgTDiff {
			select {
			case c.diffs <- msg.Value:
			default:
				// the consumer is not draining; it recovers via Sync
				Logger.Warningf("session client - diff channel full, dropping")
			}
			continue
		}

		select {
		case c.resp <- msg:
		default:
			// unsolicited response, nothing is waiting for it
		}
	}
}
