package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
)

// --------------------------------------------------------------------------
// In-memory backend
// --------------------------------------------------------------------------

// memoryStore keeps all versions in process memory. Used by tests and the
// bench command; not durable.
type memoryStore struct {
	mu      sync.Mutex
	records map[string][]Record // per document, ascending by version
	closed  bool
}

// NewMemoryStore creates a non-durable in-memory snapshot store.
func NewMemoryStore() IStore {
	return &memoryStore{records: make(map[string][]Record)}
}

func (s *memoryStore) WriteVersion(ctx context.Context, docID string, vv crdt.VV, state []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	version := uint64(1)
	if existing := s.records[docID]; len(existing) > 0 {
		version = existing[len(existing)-1].Version + 1
	}
	stateCopy := make([]byte, len(state))
	copy(stateCopy, state)
	s.records[docID] = append(s.records[docID], Record{
		DocID:       docID,
		Version:     version,
		StateVector: vv.Copy(),
		State:       stateCopy,
		Timestamp:   time.Now(),
	})
	return version, nil
}

func (s *memoryStore) ReadLatest(ctx context.Context, docID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrStoreClosed
	}
	existing := s.records[docID]
	if len(existing) == 0 {
		return Record{}, false, nil
	}
	return existing[len(existing)-1], true, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
