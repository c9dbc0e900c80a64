package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ValentinKolb/dSync/lib/crdt"
	badger "github.com/dgraph-io/badger/v4"
)

// --------------------------------------------------------------------------
// Badger backend
// --------------------------------------------------------------------------

// badgerStore persists versions in an embedded badger database. Intended
// for single-node deployments where no external database is available.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) an embedded snapshot store at the
// given path. An empty path opens an in-memory badger instance.
func NewBadgerStore(path string) (IStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logging is too chatty for a library
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// Key layout: 's' | len(docID):2 | docID | ^version:8
//
// Versions are stored bit-inverted so a forward prefix scan yields the
// newest version first (ReadLatest is one seek).
func docPrefix(docID string) []byte {
	key := make([]byte, 0, 3+len(docID))
	key = append(key, 's')
	key = binary.BigEndian.AppendUint16(key, uint16(len(docID)))
	key = append(key, docID...)
	return key
}

func versionKey(docID string, version uint64) []byte {
	key := docPrefix(docID)
	return binary.BigEndian.AppendUint64(key, ^version)
}

func (s *badgerStore) WriteVersion(ctx context.Context, docID string, vv crdt.VV, state []byte) (uint64, error) {
	value := encodeRecord(vv, state, time.Now())

	// badger detects read-write conflicts at commit; concurrent flushes for
	// the same document retry with a fresh read of the latest version.
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var version uint64
		err := s.db.Update(func(txn *badger.Txn) error {
			latest, loaded, err := latestInTxn(txn, docID)
			if err != nil {
				return err
			}
			version = 1
			if loaded {
				version = latest + 1
			}
			return txn.Set(versionKey(docID, version), value)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return version, nil
	}
}

// latestInTxn returns the highest stored version number for a document.
func latestInTxn(txn *badger.Txn, docID string) (uint64, bool, error) {
	prefix := docPrefix(docID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	if !it.Valid() {
		return 0, false, nil
	}
	key := it.Item().Key()
	if len(key) != len(prefix)+8 {
		return 0, false, ErrCorruptRecord
	}
	return ^binary.BigEndian.Uint64(key[len(prefix):]), true, nil
}

func (s *badgerStore) ReadLatest(ctx context.Context, docID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	var (
		rec    Record
		loaded bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := docPrefix(docID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key := item.Key()
		if len(key) != len(prefix)+8 {
			return ErrCorruptRecord
		}
		version := ^binary.BigEndian.Uint64(key[len(prefix):])
		return item.Value(func(val []byte) error {
			vv, state, ts, err := decodeRecord(val)
			if err != nil {
				return err
			}
			rec = Record{DocID: docID, Version: version, StateVector: vv, State: state, Timestamp: ts}
			loaded = true
			return nil
		})
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, loaded, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
