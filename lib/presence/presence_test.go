package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTrackerLifecycle(t *testing.T) {
	p := NewMemoryTracker()
	ctx := context.Background()

	require.NoError(t, p.Heartbeat(ctx, "doc-1", "alice", "Alice", time.Minute))
	require.NoError(t, p.Heartbeat(ctx, "doc-1", "bob", "Bob", time.Minute))
	require.NoError(t, p.Heartbeat(ctx, "doc-2", "carol", "Carol", time.Minute))

	members, err := p.AliveMembers(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []Member{{"alice", "Alice"}, {"bob", "Bob"}}, members)

	// leave removes immediately
	require.NoError(t, p.Leave(ctx, "doc-1", "alice"))
	members, err = p.AliveMembers(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []Member{{"bob", "Bob"}}, members)

	// rooms are independent
	members, err = p.AliveMembers(ctx, "doc-2")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMemoryTrackerExpiry(t *testing.T) {
	p := NewMemoryTracker()
	ctx := context.Background()

	require.NoError(t, p.Heartbeat(ctx, "doc-1", "ghost", "Ghost", -time.Second))
	members, err := p.AliveMembers(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, members, "lapsed TTL means gone")

	// a heartbeat revives the member
	require.NoError(t, p.Heartbeat(ctx, "doc-1", "ghost", "Ghost", time.Minute))
	members, err = p.AliveMembers(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMemoryTrackerCursor(t *testing.T) {
	p := NewMemoryTracker()
	ctx := context.Background()

	data, err := p.Cursor(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, p.SetCursor(ctx, "doc-1", "alice", []byte(`{"pos":4}`), time.Minute))
	data, err = p.Cursor(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"pos":4}`), data)

	// leaving clears the cursor
	require.NoError(t, p.Leave(ctx, "doc-1", "alice"))
	data, err = p.Cursor(ctx, "doc-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, data)
}
