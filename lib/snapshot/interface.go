package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Record is one persisted document version. Records are immutable once
// written; a newer version is always a new record.
type Record struct {
	DocID       string    // document the record belongs to
	Version     uint64    // per-document version, strictly increasing from 1
	StateVector crdt.VV   // state vector of the encoded state
	State       []byte    // full encoded document state (crdt.EncodeState)
	Timestamp   time.Time // write time, informational only
}

// IStore is the generic interface for snapshot storage backends.
//
// Thread-safety: implementations must be safe for concurrent use; several
// scheduler flushes and registry rehydrations may run at once.
type IStore interface {
	// WriteVersion persists a new version for a document and returns the
	// version number it was assigned. Allocation is atomic: two concurrent
	// writers for the same document receive distinct versions.
	WriteVersion(ctx context.Context, docID string, vv crdt.VV, state []byte) (version uint64, err error)
	// ReadLatest returns the most recent record for a document. The boolean
	// return value indicates whether any version exists.
	ReadLatest(ctx context.Context, docID string) (rec Record, loaded bool, err error)
	// Close releases backend resources. The store must not be used afterwards.
	Close() error
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("snapshot: store closed")
	// ErrCorruptRecord is returned when a persisted record cannot be decoded.
	ErrCorruptRecord = errors.New("snapshot: corrupt record")
)
