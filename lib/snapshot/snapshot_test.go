package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/lib/group"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Record codec
// --------------------------------------------------------------------------

func TestRecordCodecRoundtrip(t *testing.T) {
	vv := crdt.VV{1: 5, 9: 2}
	state := []byte("opaque-state-bytes")
	ts := time.Now()

	buf := encodeRecord(vv, state, ts)
	gotVV, gotState, gotTS, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.True(t, vv.Equal(gotVV))
	assert.Equal(t, state, gotState)
	assert.Equal(t, ts.UnixNano(), gotTS.UnixNano())
}

func TestRecordCodecRejectsCorruption(t *testing.T) {
	buf := encodeRecord(crdt.VV{1: 1}, []byte("state"), time.Now())

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", buf[:5]},
		{"truncated state", buf[:len(buf)-3]},
		{"trailing bytes", append(append([]byte{}, buf...), 0x00)},
		{"unknown codec version", append([]byte{0xff}, buf[1:]...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := decodeRecord(tc.data)
			assert.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

// --------------------------------------------------------------------------
// Stores
// --------------------------------------------------------------------------

func testStoreVersioning(t *testing.T, store IStore) {
	t.Helper()
	ctx := context.Background()

	_, loaded, err := store.ReadLatest(ctx, "doc-a")
	require.NoError(t, err)
	assert.False(t, loaded, "unknown document has no versions")

	v1, err := store.WriteVersion(ctx, "doc-a", crdt.VV{1: 1}, []byte("s1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := store.WriteVersion(ctx, "doc-a", crdt.VV{1: 2}, []byte("s2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	// independent version sequence per document
	vb, err := store.WriteVersion(ctx, "doc-b", crdt.VV{7: 1}, []byte("other"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), vb)

	rec, loaded, err := store.ReadLatest(ctx, "doc-a")
	require.NoError(t, err)
	require.True(t, loaded)
	assert.Equal(t, uint64(2), rec.Version)
	assert.Equal(t, []byte("s2"), rec.State)
	assert.True(t, rec.StateVector.Equal(crdt.VV{1: 2}))
}

func TestMemoryStoreVersioning(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStoreVersioning(t, store)
}

func TestBadgerStoreVersioning(t *testing.T) {
	store, err := NewBadgerStore("") // in-memory
	require.NoError(t, err)
	defer store.Close()
	testStoreVersioning(t, store)
}

func TestMemoryStoreRejectsAfterClose(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	_, err := store.WriteVersion(context.Background(), "doc", crdt.VV{}, nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

// --------------------------------------------------------------------------
// Scheduler
// --------------------------------------------------------------------------

// flakyStore fails the first n writes, then delegates to a memory store.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	inner    IStore
}

var errStorageDown = errors.New("storage down")

func (s *flakyStore) WriteVersion(ctx context.Context, docID string, vv crdt.VV, state []byte) (uint64, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return 0, errStorageDown
	}
	return s.inner.WriteVersion(ctx, docID, vv, state)
}

func (s *flakyStore) ReadLatest(ctx context.Context, docID string) (Record, bool, error) {
	return s.inner.ReadLatest(ctx, docID)
}

func (s *flakyStore) Close() error { return s.inner.Close() }

// sliceSource is a fixed GroupSource for tests.
type sliceSource []*group.Group

func (s sliceSource) ForEachGroup(fn func(g *group.Group) bool) {
	for _, g := range s {
		if !fn(g) {
			return
		}
	}
}

func editGroup(t *testing.T, g *group.Group, src, firstSeq uint64, anchor crdt.ID, text string) {
	t.Helper()
	ops := make([]crdt.Op, 0, len(text))
	seq := firstSeq
	ref := anchor
	for _, r := range text {
		id := crdt.ID{Src: src, Seq: seq}
		ops = append(ops, crdt.InsertOp(id, ref, r))
		ref = id
		seq++
	}
	_, err := g.SubmitLocal("", crdt.EncodeUpdate(src, firstSeq, ops))
	require.NoError(t, err)
}

func TestSchedulerFlushesDirtyGroups(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	g := group.New("doc-1", crdt.NewReplica(), group.Options{})
	editGroup(t, g, 1, 1, crdt.RootID, "hello")

	sched := NewScheduler(store, sliceSource{g}, SchedulerConfig{})
	sched.FlushAll(context.Background())

	assert.False(t, g.Dirty())
	rec, loaded, err := store.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, loaded)

	rep, err := crdt.DecodeState(rec.State)
	require.NoError(t, err)
	assert.Equal(t, "hello", rep.Content())
	assert.True(t, rec.StateVector.Equal(crdt.VV{1: 5}))

	// clean group: second pass writes nothing
	sched.FlushAll(context.Background())
	rec2, _, err := store.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, rec2.Version)
}

func TestSchedulerRetriesFailedFlush(t *testing.T) {
	store := &flakyStore{failures: 1, inner: NewMemoryStore()}
	defer store.Close()

	g := group.New("doc-1", crdt.NewReplica(), group.Options{})
	editGroup(t, g, 1, 1, crdt.RootID, "x")

	sched := NewScheduler(store, sliceSource{g}, SchedulerConfig{})

	// first pass fails: group stays dirty, nothing persisted
	err := sched.FlushGroup(context.Background(), g)
	assert.ErrorIs(t, err, errStorageDown)
	assert.True(t, g.Dirty())
	_, loaded, err := store.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.False(t, loaded)

	// next pass succeeds with the same state, no update dropped
	require.NoError(t, sched.FlushGroup(context.Background(), g))
	assert.False(t, g.Dirty())
	rec, loaded, err := store.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, loaded)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestSchedulerKeepsRacingEditDirty(t *testing.T) {
	inner := NewMemoryStore()
	defer inner.Close()

	g := group.New("doc-1", crdt.NewReplica(), group.Options{})
	editGroup(t, g, 1, 1, crdt.RootID, "a")

	// a store that sneaks an edit in while the write is in flight
	racing := &hookStore{inner: inner, beforeWrite: func() {
		editGroup(t, g, 1, 2, crdt.ID{Src: 1, Seq: 1}, "b")
	}}

	sched := NewScheduler(racing, sliceSource{g}, SchedulerConfig{})
	require.NoError(t, sched.FlushGroup(context.Background(), g))
	assert.True(t, g.Dirty(), "edit during write must keep the group dirty")

	// the next pass persists the racing edit
	require.NoError(t, sched.FlushGroup(context.Background(), g))
	assert.False(t, g.Dirty())

	rec, loaded, err := inner.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, loaded)
	rep, err := crdt.DecodeState(rec.State)
	require.NoError(t, err)
	assert.Equal(t, "ab", rep.Content())
}

// hookStore runs a callback before delegating a write.
type hookStore struct {
	inner       IStore
	beforeWrite func()
	once        sync.Once
}

func (s *hookStore) WriteVersion(ctx context.Context, docID string, vv crdt.VV, state []byte) (uint64, error) {
	s.once.Do(s.beforeWrite)
	return s.inner.WriteVersion(ctx, docID, vv, state)
}

func (s *hookStore) ReadLatest(ctx context.Context, docID string) (Record, bool, error) {
	return s.inner.ReadLatest(ctx, docID)
}

func (s *hookStore) Close() error { return s.inner.Close() }

func TestSchedulerStopRunsFinalFlush(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	g := group.New("doc-1", crdt.NewReplica(), group.Options{})
	sched := NewScheduler(store, sliceSource{g}, SchedulerConfig{Interval: time.Hour})
	sched.Start()

	editGroup(t, g, 1, 1, crdt.RootID, "bye")
	sched.Stop(context.Background())

	assert.False(t, g.Dirty())
	_, loaded, err := store.ReadLatest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, loaded)
}
