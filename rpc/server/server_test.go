package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/admission"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/presence"
	"github.com/ValentinKolb/dSync/lib/registry"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, auth admission.IAuthorizer) *CollabServer {
	t.Helper()
	ser := serializer.NewJSONSerializer()
	if auth == nil {
		auth = admission.AllowAll{}
	}
	reg, err := registry.New(registry.Config{
		NodeID:    "node-test",
		IdleAfter: time.Minute,
		EncodeDiff: func(diff []byte) ([]byte, error) {
			return ser.Serialize(*common.NewDiffMessage(diff))
		},
	}, snapshot.NewMemoryStore(), relay.NewMemoryRelay(), auth)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	tracker := presence.NewMemoryTracker()
	s := &CollabServer{
		config:     common.ServerConfig{NodeID: "node-test"},
		serializer: ser,
		presence:   tracker,
		auth:       auth,
		registry:   reg,
	}
	s.adapter = NewSessionAdapter(reg, tracker)
	return s
}

// Teardown order: the session leaves the group before its send channel
// closes, so a commit by another client can never hit a closed channel.
func TestSessionTeardownSurvivesConcurrentCommits(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	sess := &session{
		server: s,
		info:   SessionInfo{DocID: "doc-1", ClientID: "alice", ConnID: "conn-1"},
		send:   make(chan []byte, sendQueueSize),
	}
	require.NoError(t, s.registry.Attach(ctx, "doc-1", "alice", sess))

	// another client keeps committing while the session tears down
	done := make(chan struct{})
	go func() {
		defer close(done)
		ref := crdt.RootID
		for seq := uint64(1); seq <= 50; seq++ {
			id := crdt.ID{Src: 2, Seq: seq}
			update := crdt.EncodeUpdate(2, seq, []crdt.Op{crdt.InsertOp(id, ref, 'x')})
			_, err := s.registry.Submit(ctx, "doc-1", "bob", "conn-2", update)
			assert.NoError(t, err)
			ref = id
		}
	}()

	s.registry.Detach(sess.info.DocID, sess.info.ConnID)
	close(sess.send)
	<-done
}

func TestRESTRoutesConsultAdmission(t *testing.T) {
	auth := admission.StaticRules{
		Readers: map[string]map[string]bool{"viewer": {"doc-1": true}},
	}
	s := newTestServer(t, auth)
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)

	for _, route := range []string{"/v1/docs/doc-1/content", "/v1/docs/doc-1/members"} {
		resp, err := http.Get(ts.URL + route + "?client=viewer")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, route)

		resp, err = http.Get(ts.URL + route + "?client=stranger")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, route)
	}
}

func TestJoiningSessionIsVisibleInMembers(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/docs/doc-1/ws?client=alice&name=Alice"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	// the client has not sent a single message: joining alone registers it
	assert.Eventually(t, func() bool {
		members, err := s.presence.AliveMembers(context.Background(), "doc-1")
		return err == nil && len(members) == 1 && members[0].ClientID == "alice"
	}, time.Second, 10*time.Millisecond)
}
