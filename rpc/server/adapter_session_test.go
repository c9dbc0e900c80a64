package server

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/presence"
	"github.com/ValentinKolb/dSync/lib/registry"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (ISessionAdapter, registry.IRegistry, presence.ITracker) {
	t.Helper()
	reg, err := registry.New(registry.Config{
		NodeID:    "node-test",
		IdleAfter: time.Minute,
	}, snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	tracker := presence.NewMemoryTracker()
	return NewSessionAdapter(reg, tracker), reg, tracker
}

func encodeInsert(src, firstSeq uint64, anchor crdt.ID, text string) []byte {
	ops := make([]crdt.Op, 0, len(text))
	seq := firstSeq
	ref := anchor
	for _, r := range text {
		id := crdt.ID{Src: src, Seq: seq}
		ops = append(ops, crdt.InsertOp(id, ref, r))
		ref = id
		seq++
	}
	return crdt.EncodeUpdate(src, firstSeq, ops)
}

func testSession() SessionInfo {
	return SessionInfo{
		DocID:    "doc-1",
		ClientID: "alice",
		ConnID:   "conn-1",
		Name:     "Alice",
	}
}

func TestAdapterUpdateThenSync(t *testing.T) {
	adapter, reg, _ := newTestAdapter(t)
	ctx := context.Background()
	sess := testSession()

	resp := adapter.Handle(ctx, sess, common.NewUpdateMessage(encodeInsert(1, 1, crdt.RootID, "hi")))
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTUpdate, resp.MsgType)
	assert.True(t, resp.Ok)
	assert.Empty(t, resp.Err)

	g, err := reg.GetOrCreate(ctx, sess.DocID)
	require.NoError(t, err)
	assert.Equal(t, "hi", g.Content())

	// a fresh client syncs from nothing and gets a patch covering the edit
	resp = adapter.Handle(ctx, sess, common.NewSyncRequest(nil))
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTSync, resp.MsgType)
	assert.True(t, resp.Ok)
	assert.Equal(t, map[string]uint64{"1": 2}, resp.VV)

	replica := crdt.NewReplica()
	_, err = replica.ApplyPatch(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, "hi", replica.Content())
}

func TestAdapterSyncIsMinimalForCaughtUpClient(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	ctx := context.Background()
	sess := testSession()

	resp := adapter.Handle(ctx, sess, common.NewUpdateMessage(encodeInsert(1, 1, crdt.RootID, "x")))
	require.True(t, resp.Ok)

	resp = adapter.Handle(ctx, sess, common.NewSyncRequest(crdt.VV{1: 1}))
	require.NotNil(t, resp)
	assert.True(t, resp.Ok)
	assert.Empty(t, resp.Value)
}

func TestAdapterRejectsMalformedSyncVV(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	sess := testSession()

	resp := adapter.Handle(context.Background(), sess, &common.Message{
		MsgType: common.MsgTSync,
		VV:      map[string]uint64{"not-a-number": 3},
	})
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.NotEmpty(t, resp.Err)
}

func TestAdapterRejectsMalformedUpdate(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	sess := testSession()

	resp := adapter.Handle(context.Background(), sess, common.NewUpdateMessage([]byte{0xde, 0xad}))
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTUpdate, resp.MsgType)
	assert.False(t, resp.Ok)
	assert.NotEmpty(t, resp.Err)
}

func TestAdapterCursorIsFireAndForget(t *testing.T) {
	adapter, _, tracker := newTestAdapter(t)
	ctx := context.Background()
	sess := testSession()

	resp := adapter.Handle(ctx, sess, common.NewCursorMessage([]byte("pos:42")))
	assert.Nil(t, resp)

	blob, err := tracker.Cursor(ctx, sess.DocID, sess.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []byte("pos:42"), blob)
}

func TestAdapterHeartbeatsAndListsMembers(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	ctx := context.Background()

	alice := testSession()
	bob := SessionInfo{DocID: "doc-1", ClientID: "bob", ConnID: "conn-2", Name: "Bob"}

	// any handled message registers presence, even a members listing
	_ = adapter.Handle(ctx, alice, common.NewMembersRequest())
	resp := adapter.Handle(ctx, bob, common.NewMembersRequest())
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTMembers, resp.MsgType)
	assert.True(t, resp.Ok)
	assert.ElementsMatch(t, []common.MemberInfo{
		{ClientID: "alice", Name: "Alice"},
		{ClientID: "bob", Name: "Bob"},
	}, resp.Members)
}

func TestAdapterRejectsUnknownMessageType(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	sess := testSession()

	resp := adapter.Handle(context.Background(), sess, &common.Message{MsgType: common.MsgTUnknown})
	require.NotNil(t, resp)
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.NotEmpty(t, resp.Err)
}
