// Package presence tracks which clients are currently active in a
// document's collaboration group, across all nodes. Presence is soft
// state: entries carry a logical TTL and vanish when a client stops
// refreshing them, so a crashed node never leaves ghost members behind.
//
// The Redis implementation keeps one sorted set per document whose scores
// are expiry timestamps (logical TTL) plus a hash for display names;
// expired members are reaped atomically by a Lua script on read. Cursor
// positions are stored as opaque per-client blobs with a plain TTL.
package presence

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Member is one active client in a document.
type Member struct {
	ClientID string
	Name     string
}

// ITracker is the interface for presence tracking.
//
// Thread-safety: implementations must be safe for concurrent use.
type ITracker interface {
	// Heartbeat registers a client as active in a document (or refreshes
	// its TTL). Called on join and periodically while connected.
	Heartbeat(ctx context.Context, docID, clientID, name string, ttl time.Duration) error
	// Leave removes a client from a document immediately.
	Leave(ctx context.Context, docID, clientID string) error
	// AliveMembers returns all clients whose TTL has not lapsed, reaping
	// expired entries along the way.
	AliveMembers(ctx context.Context, docID string) ([]Member, error)
	// SetCursor stores a client's opaque cursor blob (awareness state).
	SetCursor(ctx context.Context, docID, clientID string, data []byte, ttl time.Duration) error
	// Cursor returns a client's cursor blob; nil when absent or expired.
	Cursor(ctx context.Context, docID, clientID string) ([]byte, error)
}

// --------------------------------------------------------------------------
// Redis implementation
// --------------------------------------------------------------------------

type redisTracker struct {
	rdb *redis.Client
}

// NewRedisTracker creates a presence tracker backed by the given Redis
// client.
func NewRedisTracker(rdb *redis.Client) ITracker {
	return &redisTracker{rdb: rdb}
}

func roomKey(docID string) string  { return "dsync:presence:room:" + docID }
func namesKey(docID string) string { return "dsync:presence:names:" + docID }
func cursorKey(docID, clientID string) string {
	return "dsync:presence:cursor:" + docID + ":" + clientID
}

func (p *redisTracker) Heartbeat(ctx context.Context, docID, clientID, name string, ttl time.Duration) error {
	// score = expiry timestamp; a refresh is simply a re-add
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.HSet(ctx, namesKey(docID), clientID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisTracker) Leave(ctx context.Context, docID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), clientID)
	tx.HDel(ctx, namesKey(docID), clientID)
	tx.Del(ctx, cursorKey(docID, clientID))
	_, err := tx.Exec(ctx)
	return err
}

// reapScript removes members whose logical TTL lapsed, together with
// their name entries, in one atomic step.
var reapScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisTracker) AliveMembers(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()

	_, err := reapScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{ClientID: id, Name: name})
	}
	return members, nil
}

func (p *redisTracker) SetCursor(ctx context.Context, docID, clientID string, data []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, clientID), data, ttl).Err()
}

func (p *redisTracker) Cursor(ctx context.Context, docID, clientID string) ([]byte, error) {
	data, err := p.rdb.Get(ctx, cursorKey(docID, clientID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
