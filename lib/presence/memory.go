package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// In-memory implementation
// --------------------------------------------------------------------------

type memoryMember struct {
	name     string
	expireAt time.Time
}

type memoryCursor struct {
	data     []byte
	expireAt time.Time
}

// memoryTracker is a single-node tracker for tests and deployments
// without Redis. Same logical-TTL semantics as the Redis tracker.
type memoryTracker struct {
	mu      sync.Mutex
	rooms   map[string]map[string]memoryMember
	cursors map[string]memoryCursor
}

// NewMemoryTracker creates a process-local presence tracker.
func NewMemoryTracker() ITracker {
	return &memoryTracker{
		rooms:   make(map[string]map[string]memoryMember),
		cursors: make(map[string]memoryCursor),
	}
}

func (p *memoryTracker) Heartbeat(_ context.Context, docID, clientID, name string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[docID] == nil {
		p.rooms[docID] = make(map[string]memoryMember)
	}
	p.rooms[docID][clientID] = memoryMember{name: name, expireAt: time.Now().Add(ttl)}
	return nil
}

func (p *memoryTracker) Leave(_ context.Context, docID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[docID], clientID)
	delete(p.cursors, cursorKey(docID, clientID))
	return nil
}

func (p *memoryTracker) AliveMembers(_ context.Context, docID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()

	var members []Member
	for id, m := range p.rooms[docID] {
		if m.expireAt.Before(now) {
			delete(p.rooms[docID], id)
			continue
		}
		members = append(members, Member{ClientID: id, Name: m.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members, nil
}

func (p *memoryTracker) SetCursor(_ context.Context, docID, clientID string, data []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.cursors[cursorKey(docID, clientID)] = memoryCursor{data: cp, expireAt: time.Now().Add(ttl)}
	return nil
}

func (p *memoryTracker) Cursor(_ context.Context, docID, clientID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[cursorKey(docID, clientID)]
	if !ok || c.expireAt.Before(time.Now()) {
		return nil, nil
	}
	return c.data, nil
}
