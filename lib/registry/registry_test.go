package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/admission"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/group"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, nodeID string, store snapshot.IStore, rly relay.IRelay, auth admission.IAuthorizer) IRegistry {
	t.Helper()
	r, err := New(Config{
		NodeID:        nodeID,
		IdleAfter:     time.Minute,
		EvictInterval: 0, // tests drive eviction explicitly
	}, store, rly, auth)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func encodeText(src, firstSeq uint64, anchor crdt.ID, text string) []byte {
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

func TestGetOrCreateReturnsOneGroupPerDocument(t *testing.T) {
	r := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)
	ctx := context.Background()

	g1, err := r.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	g2, err := r.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	assert.Same(t, g1, g2)

	other, err := r.GetOrCreate(ctx, "doc-2")
	require.NoError(t, err)
	assert.NotSame(t, g1, other)
	assert.Equal(t, 2, r.Size())
}

func TestConcurrentFirstTouchCreatesExactlyOneGroup(t *testing.T) {
	r := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)

	const callers = 32
	groups := make([]*group.Group, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := r.GetOrCreate(context.Background(), "doc-1")
			assert.NoError(t, err)
			groups[i] = g
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, groups[0], groups[i])
	}
	assert.Equal(t, 1, r.Size())
}

func TestRehydrationFromLatestSnapshot(t *testing.T) {
	store := snapshot.NewMemoryStore()
	ctx := context.Background()

	// persist two versions; only the latest matters
	rep := crdt.NewReplica()
	_, err := rep.Apply(encodeText(1, 1, crdt.RootID, "old"))
	require.NoError(t, err)
	_, err = store.WriteVersion(ctx, "doc-1", rep.VV(), rep.EncodeState())
	require.NoError(t, err)

	_, err = rep.Apply(encodeText(1, 4, crdt.ID{Src: 1, Seq: 3}, "er"))
	require.NoError(t, err)
	_, err = store.WriteVersion(ctx, "doc-1", rep.VV(), rep.EncodeState())
	require.NoError(t, err)

	r := newTestRegistry(t, "node-a", store, relay.NewMemoryRelay(), nil)
	g, err := r.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "older", g.Content())

	// unknown documents start empty
	fresh, err := r.GetOrCreate(ctx, "doc-new")
	require.NoError(t, err)
	assert.Equal(t, "", fresh.Content())
}

func TestCrossNodeConvergenceWithoutEcho(t *testing.T) {
	rly := relay.NewMemoryRelay()
	defer rly.Close()
	store := snapshot.NewMemoryStore()
	ctx := context.Background()

	nodeA := newTestRegistry(t, "node-a", store, rly, nil)
	nodeB := newTestRegistry(t, "node-b", store, rly, nil)

	gA, err := nodeA.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	gB, err := nodeB.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)

	// concurrent edits on both nodes
	_, err = nodeA.Submit(ctx, "doc-1", "alice", "", encodeText(1, 1, crdt.RootID, "left"))
	require.NoError(t, err)
	_, err = nodeB.Submit(ctx, "doc-1", "bob", "", encodeText(2, 1, crdt.RootID, "right"))
	require.NoError(t, err)

	// the memory relay delivers synchronously, so both replicas have seen
	// both edits; bit-identical convergence is the contract
	assert.Equal(t, gA.Content(), gB.Content())
	assert.True(t, gA.VV().Equal(gB.VV()))
	assert.True(t, gA.VV().Equal(crdt.VV{1: 4, 2: 5}))
}

func TestRelayedDiffActivatesUnhostedDocument(t *testing.T) {
	rly := relay.NewMemoryRelay()
	defer rly.Close()
	ctx := context.Background()

	// separate stores: node B can only learn about the document through
	// the relay, never through a shared snapshot
	nodeA := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), rly, nil)
	nodeB := newTestRegistry(t, "node-b", snapshot.NewMemoryStore(), rly, nil)

	// node B has never touched doc-1 when the first diff arrives
	_, err := nodeA.Submit(ctx, "doc-1", "alice", "", encodeText(1, 1, crdt.RootID, "h"))
	require.NoError(t, err)

	gB, ok := nodeB.Lookup("doc-1")
	require.True(t, ok, "first relayed diff must create the group on node B")
	assert.Equal(t, "h", gB.Content())

	_, err = nodeA.Submit(ctx, "doc-1", "alice", "", encodeText(1, 2, crdt.ID{Src: 1, Seq: 1}, "i"))
	require.NoError(t, err)
	assert.Equal(t, "hi", gB.Content())
}

func TestRelayedDiffRecreatesEvictedGroup(t *testing.T) {
	rly := relay.NewMemoryRelay()
	defer rly.Close()
	storeB := snapshot.NewMemoryStore()
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	nodeA := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), rly, nil)
	nodeB := newTestRegistry(t, "node-b", storeB, rly, nil)

	_, err := nodeA.Submit(ctx, "doc-1", "alice", "", encodeText(1, 1, crdt.RootID, "h"))
	require.NoError(t, err)

	// flush and evict the group on node B
	sched := snapshot.NewScheduler(storeB, nodeB, snapshot.SchedulerConfig{})
	sched.FlushAll(ctx)
	require.Equal(t, 1, nodeB.EvictIdle(future))
	_, ok := nodeB.Lookup("doc-1")
	require.False(t, ok)

	// the next relayed diff rehydrates from the snapshot and merges on top
	_, err = nodeA.Submit(ctx, "doc-1", "alice", "", encodeText(1, 2, crdt.ID{Src: 1, Seq: 1}, "i"))
	require.NoError(t, err)

	gB, ok := nodeB.Lookup("doc-1")
	require.True(t, ok)
	assert.Equal(t, "hi", gB.Content())
}

func TestAdmissionGate(t *testing.T) {
	auth := admission.StaticRules{
		Readers: map[string]map[string]bool{"viewer": {"doc-1": true}},
		Writers: map[string]map[string]bool{"editor": {"doc-1": true}},
	}
	r := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), relay.NewMemoryRelay(), auth)
	ctx := context.Background()
	sub := &group.FuncSubscriber{SubID: "conn-1", SendFn: func([]byte) bool { return true }}

	// strangers are refused before any group is touched
	err := r.Attach(ctx, "doc-1", "stranger", sub)
	assert.ErrorIs(t, err, admission.ErrDenied)
	assert.Equal(t, 0, r.Size())

	// readers attach and sync but cannot write
	require.NoError(t, r.Attach(ctx, "doc-1", "viewer", sub))
	_, _, err = r.DiffSince(ctx, "doc-1", "viewer", crdt.VV{})
	require.NoError(t, err)
	_, err = r.Submit(ctx, "doc-1", "viewer", "conn-1", encodeText(1, 1, crdt.RootID, "x"))
	assert.ErrorIs(t, err, admission.ErrDenied)

	// writers write
	_, err = r.Submit(ctx, "doc-1", "editor", "", encodeText(1, 1, crdt.RootID, "x"))
	require.NoError(t, err)
}

func TestEvictionAndTransparentRecreation(t *testing.T) {
	store := snapshot.NewMemoryStore()
	rly := relay.NewMemoryRelay()
	r := newTestRegistry(t, "node-a", store, rly, nil)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	_, err := r.Submit(ctx, "doc-1", "alice", "", encodeText(1, 1, crdt.RootID, "keep"))
	require.NoError(t, err)

	// dirty groups survive eviction scans
	assert.Equal(t, 0, r.EvictIdle(future))
	assert.Equal(t, 1, r.Size())

	// flush through the scheduler, then the idle group goes away
	sched := snapshot.NewScheduler(store, r, snapshot.SchedulerConfig{})
	sched.FlushAll(ctx)
	assert.Equal(t, 1, r.EvictIdle(future))
	assert.Equal(t, 0, r.Size())
	_, ok := r.Lookup("doc-1")
	assert.False(t, ok)

	// the next touch recreates the group from the snapshot
	g, err := r.GetOrCreate(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "keep", g.Content())
}

func TestSubscribersBlockEviction(t *testing.T) {
	r := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)
	ctx := context.Background()
	sub := &group.FuncSubscriber{SubID: "conn-1", SendFn: func([]byte) bool { return true }}

	require.NoError(t, r.Attach(ctx, "doc-1", "alice", sub))
	assert.Equal(t, 0, r.EvictIdle(time.Now().Add(time.Hour)))

	r.Detach("doc-1", "conn-1")
	assert.Equal(t, 1, r.EvictIdle(time.Now().Add(time.Hour)))
}

func TestDetachUnknownIsNoOp(t *testing.T) {
	r := newTestRegistry(t, "node-a", snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)
	r.Detach("no-such-doc", "no-such-conn")
	assert.Equal(t, 0, r.Size())
}

func TestClosedRegistryRefusesWork(t *testing.T) {
	r, err := New(Config{NodeID: "node-a"}, snapshot.NewMemoryStore(), relay.NewMemoryRelay(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.GetOrCreate(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
